package secrets

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// FileLoader returns a Loader that reads KEY=VALUE pairs from a file,
// one per line. Blank lines and lines starting with # are skipped.
// Reloading re-reads the file, so rotated values take effect on the
// next Reload call.
func FileLoader(path string) Loader {
	return func() (map[string]string, error) {
		f, err := os.Open(path) //nolint:gosec // G304: path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("open secrets file: %w", err)
		}
		defer func() { _ = f.Close() }()

		vals := make(map[string]string)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			key = strings.TrimSpace(key)
			value = strings.Trim(strings.TrimSpace(value), `"`)
			if key != "" {
				vals[key] = value
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
		return vals, nil
	}
}
