package payments

import (
	"context"
	"sync"
	"time"

	"lnpos/internal/logging"
	"lnpos/internal/store"
)

// SettledCallback is called when a status poll observes a payment settling.
type SettledCallback func(paymentHash string)

// PendingInvoice tracks an issued invoice waiting for payment.
type PendingInvoice struct {
	TerminalID string
	Invoice    *Invoice
}

// Service orchestrates invoice issuance and settlement polling for
// terminals. It holds no cross-request state beyond the in-memory pending
// map; settlement itself is the provider's transactional responsibility.
type Service struct {
	provider Provider
	store    store.Store

	mu        sync.RWMutex
	pending   map[string]*PendingInvoice // keyed by payment hash
	onSettled SettledCallback
}

// NewService creates a new payment service.
func NewService(provider Provider, st store.Store) *Service {
	return &Service{
		provider: provider,
		store:    st,
		pending:  make(map[string]*PendingInvoice),
	}
}

// SetSettledCallback sets a callback invoked when a poll observes a payment
// settling. This lets external components (like the pending-invoice limiter)
// be notified of payments.
func (s *Service) SetSettledCallback(cb SettledCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSettled = cb
}

// IssueInvoice mints a Lightning invoice for the terminal. The memo carries
// the terminal name and the invoice is tagged with the tpos provenance tag.
// Provider errors are surfaced to the caller and never retried: a retry
// could mint a duplicate invoice.
func (s *Service) IssueInvoice(ctx context.Context, t *store.Terminal, amountSats int64) (*Invoice, error) {
	inv, err := s.provider.CreateInvoice(ctx, t.Wallet, amountSats, t.Name, "tpos")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pending[inv.PaymentHash] = &PendingInvoice{
		TerminalID: t.ID,
		Invoice:    inv,
	}
	s.mu.Unlock()

	return inv, nil
}

// PendingInvoice returns the tracked invoice for a payment hash, if any.
func (s *Service) PendingInvoice(paymentHash string) (*PendingInvoice, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[paymentHash]
	return p, ok
}

// CheckStatus reports whether the payment has settled. It never returns an
// error: an unconfirmed or unknown payment must never be reported as paid,
// so any provider failure degrades to false and the terminal's next poll is
// the retry. The first poll that observes the settled transition finalizes
// the payment and records a settlement row.
func (s *Service) CheckStatus(ctx context.Context, t *store.Terminal, paymentHash string) bool {
	pending, err := s.provider.InvoiceStatus(ctx, t.Wallet, paymentHash)
	if err != nil {
		logging.Provider.Printf("status check for %s failed: %v", short(paymentHash), err)
		return false
	}
	if pending {
		return false
	}

	if err := s.provider.FinalizePayment(ctx, t.Wallet, paymentHash); err != nil {
		// Not paid as far as the caller is concerned; the next poll
		// retries the finalization.
		logging.Provider.Printf("finalize for %s failed: %v", short(paymentHash), err)
		return false
	}

	s.mu.Lock()
	tracked, observed := s.pending[paymentHash]
	cb := s.onSettled
	if observed {
		delete(s.pending, paymentHash)
	}
	s.mu.Unlock()

	if observed {
		st := &store.Settlement{
			PaymentHash: paymentHash,
			TerminalID:  t.ID,
			AmountSats:  tracked.Invoice.AmountSats,
			SettledAt:   time.Now().UTC(),
		}
		if err := s.store.RecordSettlement(ctx, st); err != nil {
			logging.Internal.Printf("CRITICAL: failed to record settlement %s: %v", short(paymentHash), err)
		}

		if cb != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logging.Internal.Printf("settled callback panic for %s: %v", short(paymentHash), r)
					}
				}()
				cb(paymentHash)
			}()
		}
	}

	return true
}
