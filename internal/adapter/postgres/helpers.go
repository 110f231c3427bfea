package postgres

import (
	"encoding/json"
	"fmt"
	"time"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// marshalJSON converts a map to JSONB bytes, mapping nil to the empty
// object so columns with NOT NULL DEFAULT '{}' stay consistent.
func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}

// unmarshalJSON parses JSONB bytes into a map. NULL columns yield nil.
func unmarshalJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	return m, nil
}

// nullTime converts a nil *time.Time to SQL NULL.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
