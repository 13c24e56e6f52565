// Package vault resolves upstream vendor API keys from HashiCorp Vault,
// with an in-memory fallback store when Vault is disabled.
package vault

import (
	"context"
	"fmt"
	"sync"

	"market-forecast-service/config"

	"github.com/hashicorp/vault/api"
)

// Credentials holds one vendor's API key material.
type Credentials struct {
	Vendor string `json:"vendor"`
	APIKey string `json:"api_key"`
}

// Client wraps the HashiCorp Vault client. When Vault is disabled the
// client serves keys from its local cache only.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig

	mu    sync.RWMutex
	cache map[string]*Credentials // vendor -> credentials
}

// NewClient creates a Vault client from config.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	c := &Client{
		cfg:   cfg,
		cache: make(map[string]*Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	c.client = client
	return c, nil
}

// Seed preloads vendor credentials, used when Vault is disabled and the
// keys come from the config file instead.
func (c *Client) Seed(creds Credentials) {
	c.mu.Lock()
	c.cache[creds.Vendor] = &creds
	c.mu.Unlock()
}

// GetVendorKey returns the API key for an upstream vendor. The cache is
// consulted first; a Vault read refreshes it.
func (c *Client) GetVendorKey(ctx context.Context, vendor string) (*Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[vendor]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.cfg.Enabled {
		return nil, fmt.Errorf("no credentials for vendor %q and vault is disabled", vendor)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(vendor))
	if err != nil {
		return nil, fmt.Errorf("failed to read vendor key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials stored for vendor %q", vendor)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format for vendor %q", vendor)
	}

	creds := &Credentials{
		Vendor: vendor,
		APIKey: getString(data, "api_key"),
	}

	c.mu.Lock()
	c.cache[vendor] = creds
	c.mu.Unlock()
	return creds, nil
}

// StoreVendorKey writes vendor credentials to Vault and the cache.
func (c *Client) StoreVendorKey(ctx context.Context, creds Credentials) error {
	if c.cfg.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"api_key": creds.APIKey,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.secretPath(creds.Vendor), secretData); err != nil {
			return fmt.Errorf("failed to store vendor key in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache[creds.Vendor] = &creds
	c.mu.Unlock()
	return nil
}

// ClearCache drops cached credentials; the next read goes to Vault.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]*Credentials)
	c.mu.Unlock()
}

// IsEnabled reports whether Vault-backed storage is active.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (c *Client) secretPath(vendor string) string {
	return fmt.Sprintf("%s/data/%s/%s", c.cfg.MountPath, c.cfg.SecretPath, vendor)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
