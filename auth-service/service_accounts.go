package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CredentialLoader fetches the current service credentials, username to
// password.
type CredentialLoader func(ctx context.Context) (map[string]string, error)

// ServiceAccountCache holds backend service credentials in memory and
// refreshes periodically so new accounts are picked up without a restart.
type ServiceAccountCache struct {
	load     CredentialLoader
	mu       sync.RWMutex
	accounts map[string]string
	stopCh   chan struct{}
}

// NewServiceAccountCache loads the initial credential set and starts the
// background refresh.
func NewServiceAccountCache(ctx context.Context, load CredentialLoader) (*ServiceAccountCache, error) {
	c := &ServiceAccountCache{
		load:     load,
		accounts: make(map[string]string),
		stopCh:   make(chan struct{}),
	}
	if err := c.refresh(ctx); err != nil {
		return nil, fmt.Errorf("load service accounts: %w", err)
	}
	go c.refreshLoop()
	return c, nil
}

func (c *ServiceAccountCache) refresh(ctx context.Context) error {
	accounts, err := c.load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.accounts = accounts
	c.mu.Unlock()

	slog.Info("Service accounts refreshed", "count", len(accounts))
	return nil
}

func (c *ServiceAccountCache) refreshLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.refresh(context.Background()); err != nil {
				slog.Error("Failed to refresh service accounts", "error", err)
			}
		case <-c.stopCh:
			return
		}
	}
}

// Authenticate checks username/password against the cached accounts.
func (c *ServiceAccountCache) Authenticate(username, password string) bool {
	c.mu.RLock()
	cached, ok := c.accounts[username]
	c.mu.RUnlock()
	return ok && cached == password
}

// Close stops the background refresh goroutine.
func (c *ServiceAccountCache) Close() {
	close(c.stopCh)
}
