package api

import (
	"sync"
	"time"
)

// PendingInvoiceLimiter tracks pending (unpaid) invoices per client IP and
// enforces a maximum number of concurrent pending invoices per IP. Invoice
// creation is terminal-facing and unauthenticated, so this prevents abuse
// where a client mints invoices without ever paying.
type PendingInvoiceLimiter struct {
	mu          sync.RWMutex
	maxPending  int
	pendingByIP map[string]map[string]time.Time // IP -> payment hash -> tracked time
	hashToIP    map[string]string               // payment hash -> IP (reverse lookup)
}

// NewPendingInvoiceLimiter creates a new limiter with the specified maximum
// pending invoices per IP.
func NewPendingInvoiceLimiter(maxPending int) *PendingInvoiceLimiter {
	return &PendingInvoiceLimiter{
		maxPending:  maxPending,
		pendingByIP: make(map[string]map[string]time.Time),
		hashToIP:    make(map[string]string),
	}
}

// CanCreate checks if the IP can request another invoice.
func (l *PendingInvoiceLimiter) CanCreate(ip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByIP[ip]) < l.maxPending
}

// PendingCount returns the number of pending invoices for an IP.
func (l *PendingInvoiceLimiter) PendingCount(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.pendingByIP[ip])
}

// MaxPending returns the configured maximum pending invoices per IP.
func (l *PendingInvoiceLimiter) MaxPending() int {
	return l.maxPending
}

// Track records a newly issued invoice for an IP.
func (l *PendingInvoiceLimiter) Track(ip, paymentHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingByIP[ip] == nil {
		l.pendingByIP[ip] = make(map[string]time.Time)
	}
	l.pendingByIP[ip][paymentHash] = time.Now()
	l.hashToIP[paymentHash] = ip
}

// OnSettled removes an invoice from pending tracking. This is the callback
// invoked when a status poll observes the payment settling.
func (l *PendingInvoiceLimiter) OnSettled(paymentHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ip, ok := l.hashToIP[paymentHash]
	if !ok {
		return // not tracked (maybe already expired)
	}

	delete(l.hashToIP, paymentHash)
	if hashes := l.pendingByIP[ip]; hashes != nil {
		delete(hashes, paymentHash)
		if len(hashes) == 0 {
			delete(l.pendingByIP, ip)
		}
	}
}

// CleanupExpired removes entries older than the given duration. Should be
// called periodically; unpaid invoices expire on the Lightning side anyway.
// Returns the number of entries removed.
func (l *PendingInvoiceLimiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for ip, hashes := range l.pendingByIP {
		for hash, trackedAt := range hashes {
			if trackedAt.Before(cutoff) {
				delete(hashes, hash)
				delete(l.hashToIP, hash)
				removed++
			}
		}
		if len(hashes) == 0 {
			delete(l.pendingByIP, ip)
		}
	}

	return removed
}
