package api

import (
	"errors"
	"sync"
)

// Scope is the capability level an API key grants on its wallet.
type Scope int

const (
	ScopeInvoice Scope = iota
	ScopeAdmin
)

var ErrUnknownKey = errors.New("unknown api key")

// WalletKey is the capability resolved from an API key: access to one wallet
// at a given scope, plus the full set of wallets belonging to the key's
// owner (for all_wallets listings).
type WalletKey struct {
	WalletID    string
	UserWallets []string
	Scope       Scope
}

// Allows reports whether the key satisfies the required scope. Admin keys
// satisfy invoice scope.
func (k *WalletKey) Allows(required Scope) bool {
	return k.Scope >= required
}

// Keychain resolves API keys to wallet capabilities. The host application
// normally provides its own implementation backed by its account store.
type Keychain interface {
	Resolve(key string) (*WalletKey, error)
}

// StaticKeychain is a fixed in-memory Keychain, used for single-merchant
// deployments and tests.
type StaticKeychain struct {
	mu   sync.RWMutex
	keys map[string]*WalletKey
}

func NewStaticKeychain() *StaticKeychain {
	return &StaticKeychain{keys: make(map[string]*WalletKey)}
}

func (k *StaticKeychain) Add(key string, wk *WalletKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[key] = wk
}

func (k *StaticKeychain) Resolve(key string) (*WalletKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	wk, ok := k.keys[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	return wk, nil
}
