package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"lnpos/internal/logging"
)

// RESTProvider implements Provider against a wallet service's HTTP API.
// All invoice and payment state lives on the wallet service; this client
// holds no state of its own.
type RESTProvider struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// RESTConfig holds configuration for the REST provider.
type RESTConfig struct {
	BaseURL     string
	AccessToken string
}

type createInvoiceRequest struct {
	Amount int64  `json:"amount"`
	Memo   string `json:"memo,omitempty"`
	Tag    string `json:"tag,omitempty"`
}

type invoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Pending        bool   `json:"pending"`
}

// NewRESTProvider creates a provider client for the wallet service at
// cfg.BaseURL and verifies the connection.
func NewRESTProvider(cfg RESTConfig) (*RESTProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}

	p := &RESTProvider{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	logging.Provider.Println("testing connection...")
	if err := p.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to wallet service: %w", err)
	}
	logging.Provider.Println("connected successfully!")

	return p, nil
}

func (p *RESTProvider) testConnection() error {
	req, err := http.NewRequest("GET", p.baseURL+"/api/v1/status", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

func (p *RESTProvider) walletURL(wallet string, parts ...string) string {
	u := p.baseURL + "/api/v1/wallets/" + url.PathEscape(wallet) + "/invoices"
	for _, part := range parts {
		u += "/" + url.PathEscape(part)
	}
	return u
}

func (p *RESTProvider) CreateInvoice(ctx context.Context, wallet string, amountSats int64, memo, tag string) (*Invoice, error) {
	logging.Provider.Printf("creating invoice for %d sats on wallet %s...", amountSats, wallet)

	jsonBody, err := json.Marshal(createInvoiceRequest{
		Amount: amountSats,
		Memo:   memo,
		Tag:    tag,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.walletURL(wallet), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var invResp invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	logging.Provider.Printf("created invoice %s for %d sats", short(invResp.PaymentHash), amountSats)

	return &Invoice{
		PaymentHash:    invResp.PaymentHash,
		PaymentRequest: invResp.PaymentRequest,
		AmountSats:     amountSats,
	}, nil
}

func (p *RESTProvider) InvoiceStatus(ctx context.Context, wallet, paymentHash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.walletURL(wallet, paymentHash), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var invResp invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invResp); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return invResp.Pending, nil
}

func (p *RESTProvider) FinalizePayment(ctx context.Context, wallet, paymentHash string) error {
	req, err := http.NewRequestWithContext(ctx, "POST", p.walletURL(wallet, paymentHash)+"/finalize", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (p *RESTProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
