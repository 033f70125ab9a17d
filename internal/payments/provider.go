package payments

import (
	"context"
)

// Invoice represents a Lightning Network invoice minted for a terminal.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string // BOLT11 encoded invoice
	AmountSats     int64
}

// Provider defines the interface to the wallet service that mints invoices
// and tracks their settlement. Finalization must be idempotent on the
// provider side; this package only guarantees it is invoked at most once per
// successful status poll.
type Provider interface {
	CreateInvoice(ctx context.Context, wallet string, amountSats int64, memo, tag string) (*Invoice, error)
	InvoiceStatus(ctx context.Context, wallet, paymentHash string) (pending bool, err error)
	FinalizePayment(ctx context.Context, wallet, paymentHash string) error
	Close() error
}
