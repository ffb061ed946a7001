package projection

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata captures persistence details shared by read-model rows.
type Metadata struct {
	Generation int64     `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Record is a stored read-model document.
type Record struct {
	Key      string          `json:"key"`
	Doc      json.RawMessage `json:"doc"`
	Metadata Metadata        `json:"metadata"`
}

// Projection represents a typed read-model row plus persistence metadata.
type Projection[T any] struct {
	Key      string
	Entity   T
	Metadata Metadata
}

// Decode converts a stored record into a typed projection.
func Decode[T any](rec Record) (Projection[T], error) {
	var entity T
	if len(rec.Doc) > 0 {
		if err := json.Unmarshal(rec.Doc, &entity); err != nil {
			return Projection[T]{}, fmt.Errorf("decode read model %q: %w", rec.Key, err)
		}
	}
	return Projection[T]{Key: rec.Key, Entity: entity, Metadata: rec.Metadata}, nil
}

// DecodeAll converts records in order.
func DecodeAll[T any](records []Record) ([]Projection[T], error) {
	out := make([]Projection[T], 0, len(records))
	for _, rec := range records {
		p, err := Decode[T](rec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
