package sync

import (
	"fmt"
	"sync"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
)

// AccountLoader resolves one account's connection settings. Loaders backed by
// mutable stores pair with AccountCache.Invalidate so credential changes take
// effect without a restart.
type AccountLoader func(accountID int64) (config.AccountConfig, error)

// AccountCache memoizes account settings per engine instance. It is owned by
// the engine that created it, never shared process-wide, so two engines in
// one process (tests, multi-tenant binaries) cannot poison each other's
// credentials.
type AccountCache struct {
	mu      sync.RWMutex
	loader  AccountLoader
	entries map[int64]config.AccountConfig
}

// NewAccountCache builds a cache over the given loader.
func NewAccountCache(loader AccountLoader) *AccountCache {
	return &AccountCache{
		loader:  loader,
		entries: make(map[int64]config.AccountConfig),
	}
}

// StaticAccountLoader serves accounts from a fixed configuration list.
func StaticAccountLoader(accounts []config.AccountConfig) AccountLoader {
	byID := make(map[int64]config.AccountConfig, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	return func(accountID int64) (config.AccountConfig, error) {
		account, ok := byID[accountID]
		if !ok {
			return config.AccountConfig{}, fmt.Errorf("%w: id %d", consts.ErrAccountNotFound, accountID)
		}
		return account, nil
	}
}

// Get returns the account's settings, loading and caching them on first use.
func (c *AccountCache) Get(accountID int64) (config.AccountConfig, error) {
	c.mu.RLock()
	account, ok := c.entries[accountID]
	c.mu.RUnlock()
	if ok {
		return account, nil
	}

	account, err := c.loader(accountID)
	if err != nil {
		return config.AccountConfig{}, err
	}

	c.mu.Lock()
	c.entries[accountID] = account
	c.mu.Unlock()
	return account, nil
}

// Invalidate drops the cached settings for the given accounts; with no
// arguments it drops everything. The next Get reloads from the loader.
func (c *AccountCache) Invalidate(accountIDs ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(accountIDs) == 0 {
		c.entries = make(map[int64]config.AccountConfig)
		return
	}
	for _, id := range accountIDs {
		delete(c.entries, id)
	}
}
