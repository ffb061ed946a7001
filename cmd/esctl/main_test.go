package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/app"
	"github.com/Apurer/go-eventsourcing-server/internal/domains/fulfillment"
	orderdomain "github.com/Apurer/go-eventsourcing-server/internal/domains/orders/domain"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
)

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TEMPORAL_DISABLED", "true")
}

// sharedNode hands every command the same in-memory node.
func sharedNode(t *testing.T) (*app.Node, nodeFactory) {
	t.Helper()
	cfg, err := app.LoadConfig()
	require.NoError(t, err)
	node, err := app.Build(context.Background(), cfg, nil, app.WithoutTemporal())
	require.NoError(t, err)
	t.Cleanup(node.Close)
	return node, func(context.Context, app.Config) (*app.Node, error) {
		return node, nil
	}
}

func run(t *testing.T, factory nodeFactory, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&out, factory)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("%w: saga s-1", ports.ErrNotFound), exitNotFound},
		{fmt.Errorf("%w: nope", saga.ErrUnknownSaga), exitNotFound},
		{&ports.ConcurrencyError{Expected: 1, Actual: 2}, exitConflict},
		{ports.ErrRebuildInProgress, exitConflict},
		{fmt.Errorf("%w: after 5 attempts", aggregate.ErrConflictExhausted), exitConflict},
		{saga.ErrSagaTerminal, exitConflict},
		{errors.New("boom"), exitError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}

func TestRebuildProjectionPrintsReport(t *testing.T) {
	memoryEnv(t)
	node, factory := sharedNode(t)
	_, err := node.Service.SubmitCommand(context.Background(), ports.CommandRequest{
		AggregateType: orderdomain.AggregateType,
		AggregateID:   "o-1",
		Command:       orderdomain.CommandCreateOrder,
		Payload:       []byte(`{"customer_id":"c-1","currency":"EUR","shipping_address":"1 Main St"}`),
	})
	require.NoError(t, err)

	out, err := run(t, factory, "rebuild-projection", fulfillment.OrderSummaryProjection)
	require.NoError(t, err)

	var report ports.RebuildReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, fulfillment.OrderSummaryProjection, report.Projection)
	require.Equal(t, 1, report.Events)

	rows, err := node.Service.Query(context.Background(), fulfillment.OrderSummaryProjection, ports.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestUnknownProjectionIsNotFound(t *testing.T) {
	memoryEnv(t)
	_, factory := sharedNode(t)

	_, err := run(t, factory, "rebuild-projection", "missing")
	require.Error(t, err)
	require.Equal(t, exitNotFound, exitCode(err))
}

func TestInspectSagaMissingIsNotFound(t *testing.T) {
	memoryEnv(t)
	_, factory := sharedNode(t)

	_, err := run(t, factory, "inspect-saga", "does-not-exist")
	require.Equal(t, exitNotFound, exitCode(err))
}

func TestReplayDeadLettersOfUnknownConsumer(t *testing.T) {
	memoryEnv(t)
	_, factory := sharedNode(t)

	_, err := run(t, factory, "replay-dead-letters", "nobody")
	require.Equal(t, exitNotFound, exitCode(err))

	out, err := run(t, factory, "replay-dead-letters", fulfillment.InventoryLevelsProjection)
	require.NoError(t, err)
	var report ports.ReplayReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Zero(t, report.Replayed)
}

func TestCommandsRequireOneArgument(t *testing.T) {
	memoryEnv(t)
	_, factory := sharedNode(t)

	_, err := run(t, factory, "inspect-saga")
	require.Error(t, err)
	require.Equal(t, exitError, exitCode(err))
}

func TestDefaultNodeRefusesMemoryStorage(t *testing.T) {
	memoryEnv(t)
	cfg, err := app.LoadConfig()
	require.NoError(t, err)

	_, err = defaultNode(context.Background(), cfg)
	require.ErrorContains(t, err, "POSTGRES_DSN")
}
