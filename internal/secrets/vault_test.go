package secrets_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/agentry-io/agentry/internal/secrets"
)

func staticLoader(vals map[string]string) secrets.Loader {
	return func() (map[string]string, error) { return vals, nil }
}

func TestVaultInitialLoad(t *testing.T) {
	v, err := secrets.NewVault(staticLoader(map[string]string{"KEY_A": "val_a", "KEY_B": "val_b"}))
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	if got := v.Get("KEY_A"); got != "val_a" {
		t.Fatalf("expected val_a, got %q", got)
	}
	if got := v.Get("MISSING"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
}

func TestVaultFailingInitialLoadIsFatal(t *testing.T) {
	_, err := secrets.NewVault(func() (map[string]string, error) {
		return nil, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error from failing loader")
	}
}

func TestVaultReloadSwapsValues(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls == 1 {
			return map[string]string{"TOKEN": "old"}, nil
		}
		return map[string]string{"TOKEN": "new"}, nil
	})

	if got := v.Get("TOKEN"); got != "old" {
		t.Fatalf("expected old, got %q", got)
	}
	if err := v.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := v.Get("TOKEN"); got != "new" {
		t.Fatalf("expected new after reload, got %q", got)
	}
}

func TestVaultFailedReloadKeepsValues(t *testing.T) {
	calls := 0
	v, _ := secrets.NewVault(func() (map[string]string, error) {
		calls++
		if calls == 1 {
			return map[string]string{"KEY": "original"}, nil
		}
		return nil, errors.New("vault unavailable")
	})

	if err := v.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if got := v.Get("KEY"); got != "original" {
		t.Fatalf("expected original after failed reload, got %q", got)
	}
}

func TestVaultConcurrentAccess(t *testing.T) {
	v, _ := secrets.NewVault(staticLoader(map[string]string{"K": "V"}))

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = v.Get("K")
		}()
		go func() {
			defer wg.Done()
			_ = v.Reload()
		}()
	}
	wg.Wait()
}

func TestVaultRedacted(t *testing.T) {
	v, _ := secrets.NewVault(staticLoader(map[string]string{
		"API_KEY": "sk-abcdef123456",
		"SHORT":   "ab",
	}))

	if got := v.Redacted("API_KEY"); got != "sk****" {
		t.Errorf("expected sk****, got %q", got)
	}
	if got := v.Redacted("SHORT"); got != "****" {
		t.Errorf("short secrets should be fully masked, got %q", got)
	}
	if got := v.Redacted("MISSING"); got != "" {
		t.Errorf("expected empty string for missing key, got %q", got)
	}
}

func TestVaultRedactString(t *testing.T) {
	v, _ := secrets.NewVault(staticLoader(map[string]string{
		"DB_PASSWORD":  "supersecret123",
		"API_TOKEN":    "tok_live_abcdef",
		"SHORT_SECRET": "ab",
	}))

	got := v.RedactString("connected with password supersecret123 and token tok_live_abcdef")

	if strings.Contains(got, "supersecret123") || strings.Contains(got, "tok_live_abcdef") {
		t.Fatalf("secrets leaked through redaction: %q", got)
	}
	if !strings.Contains(got, "su****") || !strings.Contains(got, "to****") {
		t.Errorf("expected masked values in %q", got)
	}

	clean := "this string has no secrets"
	if got := v.RedactString(clean); got != clean {
		t.Errorf("expected unchanged string, got %q", got)
	}
}

func TestVaultKeys(t *testing.T) {
	v, _ := secrets.NewVault(staticLoader(map[string]string{"A": "1", "B": "2"}))

	keys := v.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["A"] || !seen["B"] {
		t.Errorf("expected keys A and B, got %v", keys)
	}
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("AGENTRY_TEST_SECRET", "mysecret")
	loader := secrets.EnvLoader("AGENTRY_TEST_SECRET", "AGENTRY_MISSING_SECRET")

	vals, err := loader()
	if err != nil {
		t.Fatalf("EnvLoader: %v", err)
	}
	if vals["AGENTRY_TEST_SECRET"] != "mysecret" {
		t.Fatalf("expected mysecret, got %q", vals["AGENTRY_TEST_SECRET"])
	}
	if _, ok := vals["AGENTRY_MISSING_SECRET"]; ok {
		t.Fatal("unset env var should be omitted")
	}
}
