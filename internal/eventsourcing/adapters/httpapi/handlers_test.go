package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/application"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
	apierrors "github.com/Apurer/go-eventsourcing-server/internal/shared/errors"
	readmodel "github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

type fakeService struct {
	submitted []ports.CommandRequest
	submitErr error
	result    ports.CommandResult

	streamFrom uint64
	events     []event.Event

	filter  ports.Filter
	records []readmodel.Record

	subscription chan event.Event
	stopped      chan struct{}

	sagaErr error
}

var _ ports.Service = (*fakeService)(nil)

func (f *fakeService) SubmitCommand(_ context.Context, req ports.CommandRequest) (ports.CommandResult, error) {
	f.submitted = append(f.submitted, req)
	return f.result, f.submitErr
}

func (f *fakeService) ReadStream(_ context.Context, _ event.StreamID, fromVersion uint64) ([]event.Event, error) {
	f.streamFrom = fromVersion
	return f.events, nil
}

func (f *fakeService) Query(_ context.Context, name string, filter ports.Filter) ([]readmodel.Record, error) {
	if name != "order_summary" {
		return nil, fmt.Errorf("%w: projection %s", ports.ErrNotFound, name)
	}
	f.filter = filter
	return f.records, nil
}

func (f *fakeService) GetReadModel(_ context.Context, _, key string) (*readmodel.Record, error) {
	for _, rec := range f.records {
		if rec.Key == key {
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: row %s", ports.ErrNotFound, key)
}

func (f *fakeService) Subscribe(context.Context, event.Pattern) (<-chan event.Event, func(), error) {
	return f.subscription, func() { close(f.stopped) }, nil
}

func (f *fakeService) RebuildProjection(context.Context, string) (ports.RebuildReport, error) {
	return ports.RebuildReport{}, fmt.Errorf("%w: order_summary", ports.ErrRebuildInProgress)
}

func (f *fakeService) ListDeadLetters(_ context.Context, consumer string) ([]ports.DeadLetter, error) {
	return []ports.DeadLetter{{
		ID:       7,
		Consumer: consumer,
		EventID:  "evt-1",
		Event:    event.Event{ID: "evt-1", AggregateType: "order", AggregateID: "o-1", Type: "order.created"},
		Error:    "boom",
		Attempts: 3,
		Status:   ports.DeadLetterPending,
	}}, nil
}

func (f *fakeService) ReplayDeadLetters(_ context.Context, consumer string) (ports.ReplayReport, error) {
	return ports.ReplayReport{Consumer: consumer, Replayed: 1}, nil
}

func (f *fakeService) InspectSaga(_ context.Context, id string) (*ports.SagaInstance, error) {
	return &ports.SagaInstance{ID: id, Status: ports.SagaRunning}, nil
}

func (f *fakeService) CancelSaga(_ context.Context, id string) (*ports.SagaInstance, error) {
	return &ports.SagaInstance{ID: id, Status: ports.SagaFailed}, f.sagaErr
}

func newTestRouter(svc ports.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(NewAPI(svc, WithHeartbeat(20*time.Millisecond)))
}

func do(t *testing.T, router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) apierrors.ProblemDetail {
	t.Helper()
	require.Equal(t, apierrors.ContentTypeProblemJSON, rec.Header().Get("Content-Type"))
	var problem apierrors.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	return problem
}

func TestSubmitCommand_PassesRequestThrough(t *testing.T) {
	svc := &fakeService{result: ports.CommandResult{AggregateType: "order", AggregateID: "o-1", AppliedVersion: 2, EventIDs: []string{"e1", "e2"}}}
	router := newTestRouter(svc)

	rec := do(t, router, http.MethodPost, "/v1/aggregates/order/o-1/commands",
		`{"command":"AddItem","payload":{"sku":"A","quantity":1,"price_cents":500},"expected_version":1,"user_id":"u-1"}`,
		HeaderIdempotencyKey, "key-1", headerCorrelation, "corr-9")

	require.Equal(t, http.StatusOK, rec.Code)
	var result ports.CommandResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, uint64(2), result.AppliedVersion)
	require.Equal(t, []string{"e1", "e2"}, result.EventIDs)
	require.Empty(t, rec.Header().Get(HeaderReplayed))

	require.Len(t, svc.submitted, 1)
	req := svc.submitted[0]
	require.Equal(t, "order", req.AggregateType)
	require.Equal(t, "o-1", req.AggregateID)
	require.Equal(t, "AddItem", req.Command)
	require.NotNil(t, req.ExpectedVersion)
	require.Equal(t, uint64(1), *req.ExpectedVersion)
	require.Equal(t, "key-1", req.IdempotencyKey)
	require.Equal(t, "u-1", req.Metadata.UserID)
	require.Equal(t, "corr-9", req.Metadata.CorrelationID)
	require.JSONEq(t, `{"sku":"A","quantity":1,"price_cents":500}`, string(req.Payload))
}

func TestSubmitCommand_ReplayedHeader(t *testing.T) {
	svc := &fakeService{result: ports.CommandResult{AggregateID: "o-1", Replayed: true}}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/aggregates/order/o-1/commands", `{"command":"CloseOrder"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "true", rec.Header().Get(HeaderReplayed))
}

func TestSubmitCommand_MissingCommand(t *testing.T) {
	svc := &fakeService{}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/aggregates/order/o-1/commands", `{"payload":{}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, apierrors.TypeBadRequest, decodeProblem(t, rec).Type)
	require.Empty(t, svc.submitted)
}

func TestSubmitCommand_ErrorMapping(t *testing.T) {
	stream := event.Stream("order", "o-1")
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"rule violation", aggregate.Violation("order o-1 has no items"), http.StatusUnprocessableEntity, apierrors.TypeRuleViolation},
		{"invalid transition", aggregate.InvalidTransition("ConfirmOrder", "shipped"), http.StatusUnprocessableEntity, apierrors.TypeRuleViolation},
		{"pinned version", &ports.ConcurrencyError{Stream: stream, Expected: 1, Actual: 3}, http.StatusConflict, apierrors.TypeConflict},
		{"conflicts exhausted", fmt.Errorf("%w: %w", aggregate.ErrConflictExhausted, &ports.ConcurrencyError{Stream: stream}), http.StatusConflict, apierrors.TypeConflict},
		{"idempotency", ports.ErrIdempotencyConflict, http.StatusConflict, apierrors.TypeConflict},
		{"unknown aggregate", fmt.Errorf("%w: boat", aggregate.ErrUnknownAggregate), http.StatusNotFound, apierrors.TypeNotFound},
		{"unknown command", fmt.Errorf("%w: Fly", aggregate.ErrUnknownCommand), http.StatusBadRequest, apierrors.TypeBadRequest},
		{"invalid input", application.ErrInvalidInput, http.StatusBadRequest, apierrors.TypeBadRequest},
		{"not recorded", fmt.Errorf("%w: %w", aggregate.ErrUnavailable, errors.New("connection refused")), http.StatusServiceUnavailable, apierrors.TypeUnavailable},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, apierrors.TypeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeService{submitErr: tc.err}
			rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/aggregates/order/o-1/commands", `{"command":"ConfirmOrder"}`)
			require.Equal(t, tc.status, rec.Code)
			problem := decodeProblem(t, rec)
			require.Equal(t, tc.kind, problem.Type)
			require.Equal(t, "/v1/aggregates/order/o-1/commands", problem.Instance)
		})
	}
}

func TestSubmitCommand_ConflictCarriesVersions(t *testing.T) {
	svc := &fakeService{submitErr: &ports.ConcurrencyError{Stream: event.Stream("order", "o-1"), Expected: 1, Actual: 3}}
	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/aggregates/order/o-1/commands", `{"command":"ConfirmOrder","expected_version":1}`)
	problem := decodeProblem(t, rec)
	require.Equal(t, "order/o-1", problem.Extensions["stream"])
	require.EqualValues(t, 1, problem.Extensions["expected_version"])
	require.EqualValues(t, 3, problem.Extensions["current_version"])
}

func TestReadStream_FromVersion(t *testing.T) {
	svc := &fakeService{events: []event.Event{
		{ID: "e3", AggregateType: "order", AggregateID: "o-1", Type: "order.confirmed", Version: 3},
		{ID: "e4", AggregateType: "order", AggregateID: "o-1", Type: "order.shipped", Version: 4},
	}}
	rec := do(t, newTestRouter(svc), http.MethodGet, "/v1/aggregates/order/o-1/events?from_version=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint64(2), svc.streamFrom)

	var resp StreamResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, uint64(4), resp.Version)
	require.Len(t, resp.Events, 2)
}

func TestReadStream_InvalidFromVersion(t *testing.T) {
	rec := do(t, newTestRouter(&fakeService{}), http.MethodGet, "/v1/aggregates/order/o-1/events?from_version=abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, apierrors.TypeValidation, problem.Type)
	require.Contains(t, problem.Extensions["fields"], "from_version")
}

func TestQueryProjection_BuildsFilter(t *testing.T) {
	svc := &fakeService{records: []readmodel.Record{{Key: "o-1", Doc: json.RawMessage(`{"status":"confirmed"}`)}}}
	rec := do(t, newTestRouter(svc), http.MethodGet, "/v1/projections/order_summary?status=confirmed&item_count=2&limit=10&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 10, svc.filter.Limit)
	require.Equal(t, 5, svc.filter.Offset)
	require.Equal(t, map[string]any{"status": "confirmed", "item_count": float64(2)}, svc.filter.Equals)

	var resp QueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "o-1", resp.Items[0].Key)
}

func TestQueryProjection_UnknownProjection(t *testing.T) {
	rec := do(t, newTestRouter(&fakeService{}), http.MethodGet, "/v1/projections/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryProjection_InvalidLimit(t *testing.T) {
	rec := do(t, newTestRouter(&fakeService{}), http.MethodGet, "/v1/projections/order_summary?limit=ten", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReadModel(t *testing.T) {
	svc := &fakeService{records: []readmodel.Record{{Key: "o-1", Doc: json.RawMessage(`{"status":"shipped"}`)}}}
	router := newTestRouter(svc)

	rec := do(t, router, http.MethodGet, "/v1/projections/order_summary/rows/o-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"shipped"`)

	rec = do(t, router, http.MethodGet, "/v1/projections/order_summary/rows/o-2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRebuildProjection_AlreadyRunning(t *testing.T) {
	rec := do(t, newTestRouter(&fakeService{}), http.MethodPost, "/v1/projections/order_summary/rebuild", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	router := newTestRouter(&fakeService{})

	rec := do(t, router, http.MethodGet, "/v1/dead-letters/projection:order_summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []DeadLetterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "order/o-1", entries[0].Stream)
	require.Equal(t, "order.created", entries[0].EventType)
	require.Equal(t, "pending", entries[0].Status)

	rec = do(t, router, http.MethodPost, "/v1/dead-letters/order_summary/replay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report ports.ReplayReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 1, report.Replayed)
}

func TestSagas(t *testing.T) {
	svc := &fakeService{}
	router := newTestRouter(svc)

	rec := do(t, router, http.MethodGet, "/v1/sagas/s-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"saga_id":"s-1"`)

	rec = do(t, router, http.MethodPost, "/v1/sagas/s-1/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	svc.sagaErr = fmt.Errorf("%w: saga s-1 is completed", saga.ErrSagaTerminal)
	rec = do(t, router, http.MethodPost, "/v1/sagas/s-1/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestStreamEvents_ServerSentEvents(t *testing.T) {
	svc := &fakeService{subscription: make(chan event.Event, 1), stopped: make(chan struct{})}
	server := httptest.NewServer(newTestRouter(svc))
	defer server.Close()

	svc.subscription <- event.Event{ID: "e1", AggregateType: "order", AggregateID: "o-1", Type: "order.created", Version: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/v1/events/stream?pattern=order.*", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, "data:") {
			break
		}
	}
	require.Contains(t, lines, "id:e1")
	require.Contains(t, lines, "event:order.created")

	cancel()
	select {
	case <-svc.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not stopped after the client left")
	}
}
