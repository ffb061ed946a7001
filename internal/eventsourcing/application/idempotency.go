package application

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
)

type normalizedCommand struct {
	AggregateType   string          `json:"aggregate_type"`
	AggregateID     string          `json:"aggregate_id"`
	Command         string          `json:"command"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
}

// FingerprintCommand builds a deterministic hash of the command request (excluding the
// idempotency key and metadata), so a resubmission with a different body is detected.
func FingerprintCommand(req ports.CommandRequest) (string, error) {
	normalized := normalizedCommand{
		AggregateType:   strings.TrimSpace(req.AggregateType),
		AggregateID:     strings.TrimSpace(req.AggregateID),
		Command:         strings.TrimSpace(req.Command),
		ExpectedVersion: req.ExpectedVersion,
	}
	if len(req.Payload) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, req.Payload); err != nil {
			return "", err
		}
		normalized.Payload = compact.Bytes()
	}
	payload, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
