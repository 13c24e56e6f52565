package vault

import (
	"context"
	"testing"

	"market-forecast-service/config"
)

func TestDisabledClientServesSeededKeys(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	c.Seed(Credentials{Vendor: "primary", APIKey: "k-123"})

	creds, err := c.GetVendorKey(context.Background(), "primary")
	if err != nil {
		t.Fatalf("GetVendorKey: %v", err)
	}
	if creds.APIKey != "k-123" {
		t.Errorf("APIKey = %q, want k-123", creds.APIKey)
	}

	if _, err := c.GetVendorKey(context.Background(), "unknown"); err == nil {
		t.Error("expected an error for an unseeded vendor")
	}
}

func TestDisabledClientStoreAndClear(t *testing.T) {
	c, _ := NewClient(config.VaultConfig{Enabled: false})

	if err := c.StoreVendorKey(context.Background(), Credentials{Vendor: "fallback", APIKey: "k-456"}); err != nil {
		t.Fatalf("StoreVendorKey: %v", err)
	}
	if creds, err := c.GetVendorKey(context.Background(), "fallback"); err != nil || creds.APIKey != "k-456" {
		t.Fatalf("GetVendorKey = %v, %v", creds, err)
	}

	c.ClearCache()
	if _, err := c.GetVendorKey(context.Background(), "fallback"); err == nil {
		t.Error("expected an error after ClearCache with vault disabled")
	}

	if c.IsEnabled() {
		t.Error("IsEnabled should be false")
	}
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health on disabled client: %v", err)
	}
}
