// Package secrets holds credentials that can rotate while the process
// runs, such as the engine API key the worker presents upstream.
package secrets

import (
	"fmt"
	"strings"
	"sync"
)

// Loader fetches the current secret set from its source.
type Loader func() (map[string]string, error)

// Vault keeps the loaded secrets in memory behind a read lock and swaps
// the whole set on Reload, so readers never see a partial rotation.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault loads the initial secret set; a failing first load is fatal
// because callers would otherwise start with empty credentials.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or "" when absent.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Reload re-runs the loader and swaps in its result. On loader error
// the previous values stay in place.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// Keys returns the names of the loaded secrets, in no particular order.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys
}

// Redacted returns a masked form of the secret for key, safe to log.
// Missing keys produce "".
func (v *Vault) Redacted(key string) string {
	val := v.Get(key)
	if val == "" {
		return ""
	}
	return mask(val)
}

// RedactString replaces every occurrence of a vaulted secret value in s
// with its masked form. Values shorter than 4 characters are skipped:
// masking them would mangle ordinary text.
func (v *Vault) RedactString(s string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, val := range v.values {
		if len(val) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, val, mask(val))
	}
	return s
}

func mask(val string) string {
	if len(val) <= 4 {
		return "****"
	}
	return val[:2] + "****"
}
