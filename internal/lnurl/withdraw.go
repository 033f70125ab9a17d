package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"lnpos/internal/logging"
)

const (
	// Parameter fetch is a cheap lookup; the callback may itself be
	// coordinating a payment on the remote side, so it gets longer.
	paramsTimeout   = 5 * time.Second
	callbackTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// WithdrawParams is the response to the first hop of an LNURL-withdraw
// exchange.
type WithdrawParams struct {
	Tag      string `json:"tag"`
	Callback string `json:"callback"`
	K1       string `json:"k1"`
}

type callbackResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Status tags the outcome of a withdrawal submission.
type Status int

const (
	// StatusUnknown means no definitive answer was received from the
	// LNURL service.
	StatusUnknown Status = iota
	// StatusRejected means the service answered with an explicit
	// rejection; Result.Reason carries it.
	StatusRejected
	// StatusConfirmed means the service accepted the withdrawal.
	StatusConfirmed
)

// Result is the outcome of a withdrawal submission.
type Result struct {
	Status Status
	Reason string
}

// Response returns the wire form of the result: false when no definitive
// answer was received, the rejection reason as a string, or true on
// confirmation. Callers rely on distinguishing all three.
func (r Result) Response() any {
	switch r.Status {
	case StatusConfirmed:
		return true
	case StatusRejected:
		return r.Reason
	default:
		return false
	}
}

// ServiceError reports that the remote LNURL service was unreachable or
// returned a response that could not be used.
type ServiceError struct {
	Domain  string
	Message string
}

func (e *ServiceError) Error() string {
	if e.Domain == "" {
		return e.Message
	}
	return e.Domain + ": " + e.Message
}

// Client performs LNURL-withdraw exchanges against third-party services.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new LNURL-withdraw client. Hop timeouts are applied
// per request, not on the shared http.Client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{},
	}
}

// Redeem performs the two-hop LNURL-withdraw exchange: fetch the withdraw
// parameters from the decoded lnurl, then submit the payment request to the
// callback together with the single-use k1 challenge. Neither hop is ever
// retried: the challenge is consumed server-side, and a retry could look
// like a double-spend attempt to the remote service.
//
// Decode and first-hop failures are returned as errors (ErrInvalidLNURL or
// *ServiceError). Once the callback is reached, every outcome is a Result.
func (c *Client) Redeem(ctx context.Context, rawLNURL, paymentRequest string) (Result, error) {
	target, err := Decode(rawLNURL)
	if err != nil {
		return Result{}, err
	}
	domain := Host(target)

	params, err := c.fetchParams(ctx, target, domain)
	if err != nil {
		return Result{}, err
	}

	if params.Tag != "withdrawRequest" {
		// Other LNURL tag types are not implemented here.
		return Result{}, &ServiceError{Message: "Not a withdraw request"}
	}

	return c.submit(ctx, params, paymentRequest), nil
}

func (c *Client) fetchParams(ctx context.Context, target, domain string) (*WithdrawParams, error) {
	ctx, cancel := context.WithTimeout(ctx, paramsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", target, nil)
	if err != nil {
		return nil, &ServiceError{Domain: domain, Message: "failed to get parameters"}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.LNURL.Printf("parameter fetch from %s failed: %v", domain, err)
		return nil, &ServiceError{Domain: domain, Message: "failed to get parameters"}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServiceError{Domain: domain, Message: "failed to get parameters"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &ServiceError{Domain: domain, Message: "failed to get parameters"}
	}

	var params WithdrawParams
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, &ServiceError{
			Domain:  domain,
			Message: fmt.Sprintf("got invalid response '%s'", truncate(string(body), 200)),
		}
	}
	return &params, nil
}

func (c *Client) submit(ctx context.Context, params *WithdrawParams, paymentRequest string) Result {
	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return Result{Status: StatusUnknown}
	}
	q := callback.Query()
	q.Set("pr", paymentRequest)
	q.Set("k1", params.K1)
	callback.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", callback.String(), nil)
	if err != nil {
		return Result{Status: StatusUnknown}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No definitive answer: the withdrawal simply did not succeed.
		logging.LNURL.Printf("callback to %s failed: %v", callback.Host, err)
		return Result{Status: StatusUnknown}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{Status: StatusUnknown}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{Status: StatusRejected, Reason: string(body)}
	}

	var cbResp callbackResponse
	if err := json.Unmarshal(body, &cbResp); err != nil {
		logging.LNURL.Printf("unparseable callback response from %s: %s", callback.Host, truncate(string(body), 200))
		return Result{Status: StatusUnknown}
	}
	if cbResp.Status != "OK" {
		return Result{Status: StatusRejected, Reason: cbResp.Reason}
	}
	return Result{Status: StatusConfirmed}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
