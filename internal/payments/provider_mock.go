package payments

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// MockProvider implements Provider for testing and development. Invoices
// settle only when SimulateSettle is called.
type MockProvider struct {
	mu       sync.Mutex
	invoices map[string]*mockInvoice
}

type mockInvoice struct {
	wallet  string
	invoice *Invoice
	pending bool
}

// NewMockProvider creates a new mock wallet provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		invoices: make(map[string]*mockInvoice),
	}
}

func (m *MockProvider) CreateInvoice(ctx context.Context, wallet string, amountSats int64, memo, tag string) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, err := generatePaymentHash()
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		PaymentHash:    hash,
		PaymentRequest: "lnbc" + hash[:20], // Fake BOLT11
		AmountSats:     amountSats,
	}
	m.invoices[hash] = &mockInvoice{
		wallet:  wallet,
		invoice: inv,
		pending: true,
	}

	return inv, nil
}

func (m *MockProvider) InvoiceStatus(ctx context.Context, wallet, paymentHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.invoices[paymentHash]
	if !ok || mi.wallet != wallet {
		return false, fmt.Errorf("unknown payment hash %s", paymentHash)
	}
	return mi.pending, nil
}

func (m *MockProvider) FinalizePayment(ctx context.Context, wallet, paymentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.invoices[paymentHash]
	if !ok {
		return fmt.Errorf("unknown payment hash %s", paymentHash)
	}
	// Already-finalized payments are a no-op.
	mi.pending = false
	return nil
}

// SimulateSettle marks an invoice as settled (for testing).
func (m *MockProvider) SimulateSettle(paymentHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mi, ok := m.invoices[paymentHash]; ok {
		mi.pending = false
	}
}

func (m *MockProvider) Close() error {
	return nil
}

func generatePaymentHash() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
