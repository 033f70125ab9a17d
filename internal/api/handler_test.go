package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"lnpos/internal/lnurl"
	"lnpos/internal/payments"
	"lnpos/internal/store"
)

// Test mocks

type mockStore struct {
	nextID      int
	terminals   map[string]*store.Terminal
	settlements []*store.Settlement
}

func newMockStore() *mockStore {
	return &mockStore{terminals: make(map[string]*store.Terminal)}
}

func (m *mockStore) CreateTerminal(ctx context.Context, wallet, name, currency string) (*store.Terminal, error) {
	m.nextID++
	t := &store.Terminal{
		ID:        "tpos-" + strconv.Itoa(m.nextID),
		Wallet:    wallet,
		Name:      name,
		Currency:  currency,
		CreatedAt: time.Now(),
	}
	m.terminals[t.ID] = t
	return t, nil
}

func (m *mockStore) GetTerminal(ctx context.Context, id string) (*store.Terminal, error) {
	t, ok := m.terminals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) ListTerminals(ctx context.Context, walletIDs []string) ([]*store.Terminal, error) {
	wallets := make(map[string]bool)
	for _, id := range walletIDs {
		wallets[id] = true
	}
	var out []*store.Terminal
	for _, t := range m.terminals {
		if wallets[t.Wallet] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockStore) DeleteTerminal(ctx context.Context, id string) error {
	if _, ok := m.terminals[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.terminals, id)
	return nil
}

func (m *mockStore) RecordSettlement(ctx context.Context, s *store.Settlement) error {
	m.settlements = append(m.settlements, s)
	return nil
}

func (m *mockStore) ListSettlementsSince(ctx context.Context, since time.Time) ([]*store.Settlement, error) {
	return m.settlements, nil
}

func (m *mockStore) Close() error { return nil }

type mockProvider struct {
	nextHash int
	pending  map[string]bool
	fail     bool
}

func newMockProvider() *mockProvider {
	return &mockProvider{pending: make(map[string]bool)}
}

func (m *mockProvider) CreateInvoice(ctx context.Context, wallet string, amountSats int64, memo, tag string) (*payments.Invoice, error) {
	if m.fail {
		return nil, fmt.Errorf("provider down")
	}
	m.nextHash++
	hash := "hash-" + strconv.Itoa(m.nextHash)
	m.pending[hash] = true
	return &payments.Invoice{
		PaymentHash:    hash,
		PaymentRequest: "lnbc1" + hash,
		AmountSats:     amountSats,
	}, nil
}

func (m *mockProvider) InvoiceStatus(ctx context.Context, wallet, paymentHash string) (bool, error) {
	if m.fail {
		return false, fmt.Errorf("provider down")
	}
	pending, ok := m.pending[paymentHash]
	if !ok {
		return false, fmt.Errorf("unknown payment hash")
	}
	return pending, nil
}

func (m *mockProvider) FinalizePayment(ctx context.Context, wallet, paymentHash string) error {
	m.pending[paymentHash] = false
	return nil
}

func (m *mockProvider) Close() error { return nil }

func (m *mockProvider) settle(hash string) { m.pending[hash] = false }

type testEnv struct {
	handler  *Handler
	store    *mockStore
	provider *mockProvider
	limiter  *PendingInvoiceLimiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := newMockStore()
	provider := newMockProvider()
	paymentsSvc := payments.NewService(provider, st)

	keychain := NewStaticKeychain()
	keychain.Add("invoice-key", &WalletKey{
		WalletID:    "wallet-1",
		UserWallets: []string{"wallet-1", "wallet-2"},
		Scope:       ScopeInvoice,
	})
	keychain.Add("admin-key", &WalletKey{WalletID: "wallet-1", Scope: ScopeAdmin})
	keychain.Add("other-admin-key", &WalletKey{WalletID: "wallet-9", Scope: ScopeAdmin})

	limiter := NewPendingInvoiceLimiter(3)
	paymentsSvc.SetSettledCallback(limiter.OnSettled)

	return &testEnv{
		handler:  NewHandler(st, paymentsSvc, lnurl.NewClient(), keychain, limiter),
		store:    st,
		provider: provider,
		limiter:  limiter,
	}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createTerminal(t *testing.T, name, currency string) terminalResponse {
	t.Helper()

	w := e.do(t, "POST", "/api/v1/tposs", "invoice-key", CreateTerminalRequest{Name: name, Currency: currency})
	if w.Code != http.StatusCreated {
		t.Fatalf("create terminal: status %d, body %s", w.Code, w.Body.String())
	}
	var resp terminalResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad create response: %v", err)
	}
	return resp
}

func encodeLNURL(t *testing.T, target string) string {
	t.Helper()

	converted, err := bech32.ConvertBits([]byte(target), 8, 5, true)
	if err != nil {
		t.Fatalf("ConvertBits failed: %v", err)
	}
	encoded, err := bech32.Encode("lnurl", converted)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return encoded
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing key", func(t *testing.T) {
		w := env.do(t, "GET", "/api/v1/tposs", "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		w := env.do(t, "GET", "/api/v1/tposs", "bogus", nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("invoice key cannot delete", func(t *testing.T) {
		created := env.createTerminal(t, "Cafe", "USD")
		w := env.do(t, "DELETE", "/api/v1/tposs/"+created.ID, "invoice-key", nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("admin key can list", func(t *testing.T) {
		w := env.do(t, "GET", "/api/v1/tposs", "admin-key", nil)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}

func TestCreateTerminalValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing name", CreateTerminalRequest{Currency: "USD"}},
		{"missing currency", CreateTerminalRequest{Name: "Cafe"}},
		{"empty body", map[string]string{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/tposs", "invoice-key", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestListTerminals(t *testing.T) {
	env := newTestEnv(t)
	env.createTerminal(t, "Cafe", "USD")
	env.store.CreateTerminal(context.Background(), "wallet-2", "Bar", "EUR")

	w := env.do(t, "GET", "/api/v1/tposs", "invoice-key", nil)
	var resp []terminalResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(resp) != 1 {
		t.Errorf("expected 1 terminal for own wallet, got %d", len(resp))
	}

	w = env.do(t, "GET", "/api/v1/tposs?all_wallets", "invoice-key", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(resp) != 2 {
		t.Errorf("expected 2 terminals with all_wallets, got %d", len(resp))
	}
}

func TestDeleteTerminal(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")

	t.Run("not found", func(t *testing.T) {
		w := env.do(t, "DELETE", "/api/v1/tposs/nonexistent", "admin-key", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("wrong wallet", func(t *testing.T) {
		w := env.do(t, "DELETE", "/api/v1/tposs/"+created.ID, "other-admin-key", nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
		if !strings.Contains(w.Body.String(), "Not your TPoS.") {
			t.Errorf("body = %s", w.Body.String())
		}
	})

	t.Run("owner deletes", func(t *testing.T) {
		w := env.do(t, "DELETE", "/api/v1/tposs/"+created.ID, "admin-key", nil)
		if w.Code != http.StatusNoContent {
			t.Errorf("status = %d, want 204", w.Code)
		}
	})
}

func TestCreateInvoiceValidation(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")

	tests := []struct {
		name   string
		amount string
	}{
		{"zero", `{"amount": 0}`},
		{"negative", `{"amount": -5}`},
		{"fractional", `{"amount": 5.5}`},
		{"string", `{"amount": "abc"}`},
		{"missing", `{}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/tposs/"+created.ID+"/invoices", strings.NewReader(tc.amount))
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}

	// No invoice may have been minted by any rejected request.
	if env.provider.nextHash != 0 {
		t.Errorf("provider was called %d times for invalid amounts", env.provider.nextHash)
	}
}

func TestCreateInvoiceUnknownTerminal(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/tposs/nonexistent/invoices", "", map[string]int{"amount": 500})
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "TPoS does not exist.") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestCreateInvoiceProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")
	env.provider.fail = true

	w := env.do(t, "POST", "/api/v1/tposs/"+created.ID+"/invoices", "", map[string]int{"amount": 500})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "provider down") {
		t.Errorf("expected provider message in body, got %s", w.Body.String())
	}
}

func TestPendingInvoiceLimit(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")

	for i := 0; i < 3; i++ {
		w := env.do(t, "POST", "/api/v1/tposs/"+created.ID+"/invoices", "", map[string]int{"amount": 100})
		if w.Code != http.StatusCreated {
			t.Fatalf("invoice %d: status %d", i, w.Code)
		}
	}

	w := env.do(t, "POST", "/api/v1/tposs/"+created.ID+"/invoices", "", map[string]int{"amount": 100})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 over the pending limit", w.Code)
	}
}

func TestCheckInvoiceUnknownTerminal(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/tposs/nonexistent/invoices/somehash", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestEndToEndPaymentFlow(t *testing.T) {
	env := newTestEnv(t)

	created := env.createTerminal(t, "Cafe", "USD")
	if created.Currency != "USD" || created.Name != "Cafe" {
		t.Fatalf("unexpected terminal: %+v", created)
	}

	w := env.do(t, "POST", "/api/v1/tposs/"+created.ID+"/invoices", "", map[string]int{"amount": 500})
	if w.Code != http.StatusCreated {
		t.Fatalf("create invoice: status %d, body %s", w.Code, w.Body.String())
	}
	var inv CreateInvoiceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &inv); err != nil {
		t.Fatalf("bad invoice response: %v", err)
	}
	if inv.PaymentHash == "" || inv.PaymentRequest == "" {
		t.Fatalf("incomplete invoice: %+v", inv)
	}

	statusPath := "/api/v1/tposs/" + created.ID + "/invoices/" + inv.PaymentHash

	checkPaid := func(want bool) {
		t.Helper()
		w := env.do(t, "GET", statusPath, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("check status: status %d", w.Code)
		}
		var resp StatusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("bad status response: %v", err)
		}
		if resp.Paid != want {
			t.Errorf("paid = %v, want %v", resp.Paid, want)
		}
	}

	checkPaid(false)

	// QR code is served while the invoice is pending.
	w = env.do(t, "GET", statusPath+"/qr", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("qr: status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("qr content type = %q", ct)
	}

	env.provider.settle(inv.PaymentHash)

	checkPaid(true)
	// Idempotent: polling a settled invoice keeps returning paid.
	checkPaid(true)

	if len(env.store.settlements) != 1 {
		t.Errorf("expected exactly one settlement row, got %d", len(env.store.settlements))
	}

	// Settlement cleared the pending-invoice tracking for this client.
	if got := env.limiter.PendingCount("192.0.2.1"); got != 0 {
		t.Errorf("pending count after settlement = %d, want 0", got)
	}
}

func TestCheckStatusFailClosedOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")

	env.provider.fail = true
	w := env.do(t, "GET", "/api/v1/tposs/"+created.ID+"/invoices/somehash", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even on provider failure", w.Code)
	}
	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Paid {
		t.Error("provider failure must report paid=false")
	}
}

func TestWithdrawValidation(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")
	path := "/api/v1/tposs/" + created.ID + "/lnurlw"

	t.Run("unknown terminal", func(t *testing.T) {
		w := env.do(t, "POST", "/api/v1/tposs/nonexistent/lnurlw", "",
			WithdrawRequest{PaymentRequest: "lnbc1", LNURL: "lnurl1"})
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		w := env.do(t, "POST", path, "", WithdrawRequest{PaymentRequest: "lnbc1"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
	})

	t.Run("invalid lnurl", func(t *testing.T) {
		w := env.do(t, "POST", path, "", WithdrawRequest{PaymentRequest: "lnbc1", LNURL: "garbage"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
		if !strings.Contains(w.Body.String(), "invalid lnurl") {
			t.Errorf("body = %s", w.Body.String())
		}
	})
}

func TestWithdrawServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := env.do(t, "POST", "/api/v1/tposs/"+created.ID+"/lnurlw", "",
		WithdrawRequest{PaymentRequest: "lnbc1", LNURL: encodeLNURL(t, srv.URL)})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["message"] != "failed to get parameters" {
		t.Errorf("message = %q", resp["message"])
	}
	if resp["domain"] != strings.TrimPrefix(srv.URL, "http://") {
		t.Errorf("domain = %q", resp["domain"])
	}
}

func TestWithdrawConfirmed(t *testing.T) {
	env := newTestEnv(t)
	created := env.createTerminal(t, "Cafe", "USD")

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/params":
			fmt.Fprintf(w, `{"tag":"withdrawRequest","callback":"%s/callback","k1":"k1val"}`, srv.URL)
		case "/callback":
			fmt.Fprint(w, `{"status":"OK"}`)
		}
	}))
	defer srv.Close()

	w := env.do(t, "POST", "/api/v1/tposs/"+created.ID+"/lnurlw", "",
		WithdrawRequest{PaymentRequest: "lnbc1", LNURL: encodeLNURL(t, srv.URL+"/params")})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp["lnurl_response"] != true {
		t.Errorf("lnurl_response = %v, want true", resp["lnurl_response"])
	}
}
