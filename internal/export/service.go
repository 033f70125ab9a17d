// Package export archives settlement records to a local directory or an
// S3-compatible bucket, off the payment path.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lnpos/internal/logging"
	"lnpos/internal/store"
)

// Service periodically exports settlement rows to a Sink as JSON lines, one
// object per batch.
type Service struct {
	store store.Store
	sink  Sink

	mu   sync.Mutex
	last time.Time
}

// NewService creates an export service. The first export covers all
// settlements recorded so far.
func NewService(st store.Store, sink Sink) *Service {
	return &Service{
		store: st,
		sink:  sink,
	}
}

type settlementRecord struct {
	PaymentHash string    `json:"payment_hash"`
	TerminalID  string    `json:"tpos_id"`
	AmountSats  int64     `json:"amount_sats"`
	SettledAt   time.Time `json:"settled_at"`
}

// ExportOnce writes all settlements recorded since the previous export and
// returns how many were written. Failed exports leave the high-water mark
// untouched so the next run retries the same rows.
func (s *Service) ExportOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settlements, err := s.store.ListSettlementsSince(ctx, s.last)
	if err != nil {
		return 0, fmt.Errorf("failed to list settlements: %w", err)
	}
	if len(settlements) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	newest := s.last
	for _, st := range settlements {
		if err := enc.Encode(settlementRecord{
			PaymentHash: st.PaymentHash,
			TerminalID:  st.TerminalID,
			AmountSats:  st.AmountSats,
			SettledAt:   st.SettledAt,
		}); err != nil {
			return 0, fmt.Errorf("failed to encode settlement: %w", err)
		}
		if st.SettledAt.After(newest) {
			newest = st.SettledAt
		}
	}

	name := fmt.Sprintf("settlements/%s.jsonl", time.Now().UTC().Format("20060102T150405Z"))
	if err := s.sink.Put(ctx, name, buf.Bytes()); err != nil {
		return 0, err
	}

	s.last = newest
	return len(settlements), nil
}

// Run exports on the given interval until the context is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.ExportOnce(ctx)
			if err != nil {
				logging.Export.Printf("export error: %v", err)
			} else if count > 0 {
				logging.Export.Printf("exported %d settlements", count)
			}
		}
	}
}
