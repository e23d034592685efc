package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

// JSON is a JSON column value. It works with both PostgreSQL JSONB and
// SQLite JSON columns.
type JSON json.RawMessage

// NewJSON encodes v into a JSON column value. A nil v gives an empty value.
func NewJSON(v interface{}) (JSON, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode JSON column: %w", err)
	}
	return JSON(b), nil
}

// Decode unmarshals the column into v. Empty and null values leave v as is.
func (j JSON) Decode(v interface{}) error {
	if len(j) == 0 || string(j) == "null" {
		return nil
	}
	return json.Unmarshal(j, v)
}

// Value stores the raw document. Invalid JSON is rejected before it reaches
// the database.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	if !json.Valid(j) {
		return nil, errors.New("invalid JSON column value")
	}
	return []byte(j), nil
}

// Scan reads a JSON or JSONB column. Drivers return either bytes or text.
func (j *JSON) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		raw = append([]byte(nil), v...)
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into a JSON column", value)
	}
	if !json.Valid(raw) {
		return errors.New("invalid JSON in database column")
	}
	*j = raw
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}
