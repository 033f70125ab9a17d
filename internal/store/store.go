package store

import (
	"context"
	"time"
)

// Terminal is a registered point-of-sale terminal (TPoS). Terminals are
// created against a wallet and are immutable during a payment flow.
type Terminal struct {
	ID        string
	Wallet    string
	Name      string
	Currency  string
	CreatedAt time.Time
}

// Settlement is an audit record of a payment observed as settled by the
// status poller. One row per finalized payment.
type Settlement struct {
	PaymentHash string
	TerminalID  string
	AmountSats  int64
	SettledAt   time.Time
}

// Store defines the interface for terminal and settlement persistence.
type Store interface {
	CreateTerminal(ctx context.Context, wallet, name, currency string) (*Terminal, error)
	GetTerminal(ctx context.Context, id string) (*Terminal, error)
	ListTerminals(ctx context.Context, walletIDs []string) ([]*Terminal, error)
	DeleteTerminal(ctx context.Context, id string) error
	RecordSettlement(ctx context.Context, s *Settlement) error
	ListSettlementsSince(ctx context.Context, since time.Time) ([]*Settlement, error)
	Close() error
}
