//go:build pact
// +build pact

package pacttest

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

const (
	ProviderName = "eventsourcing-api"
	ConsumerName = "order-portal"

	StateOrderMissing = "order o-pact does not exist"
	StateOrderExists  = "order o-pact exists"
	StateNoSagas      = "no saga instances exist"
)

const (
	OrderAggregate = "order"
	OrderID        = "o-pact"
	MissingSagaID  = "FulfillOrder:o-missing"
	CreateCommand  = "CreateOrder"
	CreatedEvent   = "order.created"
	CustomerID     = "c-pact"
	Currency       = "EUR"
	Address        = "1 Pact Street"
)

// PactDir returns the workspace-level directory for generated pact files.
func PactDir(t testing.TB) string {
	t.Helper()
	dir := filepath.Join(projectRoot(t), "pacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create pact dir: %v", err)
	}
	return dir
}

// PactFile returns the pact file written by the order portal consumer.
func PactFile(t testing.TB) string {
	t.Helper()
	return filepath.Join(PactDir(t), ConsumerName+"-"+ProviderName+".json")
}

// LogDir returns the log output directory for pact-go.
func LogDir(t testing.TB) string {
	t.Helper()
	dir := filepath.Join(projectRoot(t), "bin", "pact-logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create pact log dir: %v", err)
	}
	return dir
}

// CreateOrderPayload is the command payload used by every create interaction.
func CreateOrderPayload() map[string]any {
	return map[string]any{
		"customer_id":      CustomerID,
		"currency":         Currency,
		"shipping_address": Address,
	}
}

// projectRoot walks up from this file to the workspace root.
func projectRoot(t testing.TB) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot determine caller for pact paths")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
