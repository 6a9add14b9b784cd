package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB is a helper for Postgres jsonb columns.
// Backed by map[string]any and works with sqlx / database/sql.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (j *JSONB) Scan(value any) error {
	return scanJSON(value, j, func() { *j = nil })
}

// Clone returns a shallow copy so persisted rows do not alias caller maps
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// scanJSON decodes a jsonb column delivered as []byte or string.
// NULL and empty values call reset.
func scanJSON(value any, dst any, reset func()) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		reset()
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("jsonb: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		reset()
		return nil
	}
	return json.Unmarshal(b, dst)
}
