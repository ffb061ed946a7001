package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	apierrors "github.com/Apurer/go-eventsourcing-server/internal/shared/errors"
	readmodel "github.com/Apurer/go-eventsourcing-server/internal/shared/projection"
)

const (
	// HeaderIdempotencyKey deduplicates command submissions.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderReplayed is set on responses answered from the idempotency store.
	HeaderReplayed    = "Idempotent-Replayed"
	headerCorrelation = "X-Correlation-ID"

	defaultHeartbeat = 15 * time.Second
)

// API serves ports.Service over gin.
type API struct {
	service   ports.Service
	problems  *apierrors.ChainedResponder
	logger    *slog.Logger
	heartbeat time.Duration
}

type Option func(*API)

func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithHeartbeat sets how often an idle event stream sends a keep-alive comment.
func WithHeartbeat(every time.Duration) Option {
	return func(a *API) {
		if every > 0 {
			a.heartbeat = every
		}
	}
}

// WithProblemBaseURI prefixes problem type URIs.
func WithProblemBaseURI(baseURI string) Option {
	return func(a *API) {
		a.problems = NewProblemResponder(baseURI)
	}
}

func NewAPI(service ports.Service, opts ...Option) *API {
	api := &API{
		service:   service,
		problems:  NewProblemResponder(""),
		logger:    slog.Default(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(api)
		}
	}
	return api
}

// CommandBody is the JSON body of a command submission.
type CommandBody struct {
	Command         string          `json:"command" binding:"required"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
	UserID          string          `json:"user_id,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
}

// StreamResponse lists the events of one aggregate.
type StreamResponse struct {
	AggregateType string        `json:"aggregate_type"`
	AggregateID   string        `json:"aggregate_id"`
	Version       uint64        `json:"version"`
	Events        []event.Event `json:"events"`
}

// QueryResponse is one page of read-model rows.
type QueryResponse struct {
	Projection string             `json:"projection"`
	Items      []readmodel.Record `json:"items"`
	Limit      int                `json:"limit,omitempty"`
	Offset     int                `json:"offset,omitempty"`
}

// DeadLetterResponse is one quarantined event.
type DeadLetterResponse struct {
	ID         int64       `json:"id"`
	Consumer   string      `json:"consumer"`
	Partition  int         `json:"partition"`
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	Stream     string      `json:"stream"`
	Error      string      `json:"error"`
	Attempts   int         `json:"attempts"`
	Status     string      `json:"status"`
	FailedAt   time.Time   `json:"failed_at"`
	ReplayedAt *time.Time  `json:"replayed_at,omitempty"`
	Event      event.Event `json:"event"`
}

// Post /v1/aggregates/:type/:id/commands
// Submit a command to one aggregate
func (api *API) SubmitCommand(c *gin.Context) {
	var body CommandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		api.problems.BadRequest(c, err.Error())
		return
	}
	correlationID := body.CorrelationID
	if correlationID == "" {
		correlationID = c.GetHeader(headerCorrelation)
	}
	result, err := api.service.SubmitCommand(c.Request.Context(), ports.CommandRequest{
		AggregateType:   c.Param("type"),
		AggregateID:     c.Param("id"),
		Command:         body.Command,
		Payload:         body.Payload,
		ExpectedVersion: body.ExpectedVersion,
		Metadata:        event.Metadata{UserID: body.UserID, CorrelationID: correlationID},
		IdempotencyKey:  strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	})
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	if result.Replayed {
		c.Header(HeaderReplayed, "true")
	}
	c.JSON(http.StatusOK, result)
}

// Get /v1/aggregates/:type/:id/events
// Read the events of one aggregate
func (api *API) ReadStream(c *gin.Context) {
	var fromVersion uint64
	if err := runtime.BindQueryParameter("form", true, false, "from_version", c.Request.URL.Query(), &fromVersion); err != nil {
		api.problems.ValidationFailed(c, map[string]string{"from_version": err.Error()})
		return
	}
	stream := event.Stream(c.Param("type"), c.Param("id"))
	events, err := api.service.ReadStream(c.Request.Context(), stream, fromVersion)
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	resp := StreamResponse{AggregateType: stream.Type, AggregateID: stream.ID, Events: events}
	if len(events) > 0 {
		resp.Version = events[len(events)-1].Version
	}
	if resp.Events == nil {
		resp.Events = []event.Event{}
	}
	c.JSON(http.StatusOK, resp)
}

// Get /v1/projections/:name
// Query a read model; unknown query parameters filter on document fields
func (api *API) QueryProjection(c *gin.Context) {
	query := c.Request.URL.Query()
	var limit, offset int
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &limit); err != nil {
		api.problems.ValidationFailed(c, map[string]string{"limit": err.Error()})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &offset); err != nil {
		api.problems.ValidationFailed(c, map[string]string{"offset": err.Error()})
		return
	}
	filter := ports.Filter{Key: query.Get("key"), Limit: limit, Offset: offset}
	for field, values := range query {
		switch field {
		case "key", "limit", "offset":
			continue
		}
		if len(values) == 0 {
			continue
		}
		if filter.Equals == nil {
			filter.Equals = map[string]any{}
		}
		filter.Equals[field] = filterValue(values[0])
	}
	name := c.Param("name")
	records, err := api.service.Query(c.Request.Context(), name, filter)
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	if records == nil {
		records = []readmodel.Record{}
	}
	c.JSON(http.StatusOK, QueryResponse{Projection: name, Items: records, Limit: limit, Offset: offset})
}

// filterValue reads numbers, booleans and quoted strings as JSON; anything else is a plain string.
func filterValue(raw string) any {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return raw
	}
	switch value.(type) {
	case float64, bool, string:
		return value
	default:
		return raw
	}
}

// Get /v1/projections/:name/rows/:key
// Fetch one read-model row
func (api *API) GetReadModel(c *gin.Context) {
	record, err := api.service.GetReadModel(c.Request.Context(), c.Param("name"), c.Param("key"))
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// Post /v1/projections/:name/rebuild
// Rebuild a projection from the journal
func (api *API) RebuildProjection(c *gin.Context) {
	report, err := api.service.RebuildProjection(c.Request.Context(), c.Param("name"))
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Get /v1/events/stream
// Server-sent events for every committed event matching pattern
func (api *API) StreamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, stop, err := api.service.Subscribe(ctx, event.Pattern(c.Query("pattern")))
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	defer stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt := <-events:
			c.Render(-1, sse.Event{Id: evt.ID, Event: string(evt.Type), Data: evt})
			return true
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				api.logger.DebugContext(ctx, "event stream closed", slog.String("error", err.Error()))
				return false
			}
			return true
		}
	})
}

// Get /v1/dead-letters/:consumer
// List quarantined events of a consumer
func (api *API) ListDeadLetters(c *gin.Context) {
	entries, err := api.service.ListDeadLetters(c.Request.Context(), c.Param("consumer"))
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	out := make([]DeadLetterResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, DeadLetterResponse{
			ID:         entry.ID,
			Consumer:   entry.Consumer,
			Partition:  entry.Partition,
			EventID:    entry.EventID,
			EventType:  string(entry.Event.Type),
			Stream:     entry.Event.Stream().String(),
			Error:      entry.Error,
			Attempts:   entry.Attempts,
			Status:     string(entry.Status),
			FailedAt:   entry.FailedAt,
			ReplayedAt: entry.ReplayedAt,
			Event:      entry.Event,
		})
	}
	c.JSON(http.StatusOK, out)
}

// Post /v1/dead-letters/:consumer/replay
// Re-deliver pending dead letters to their consumer
func (api *API) ReplayDeadLetters(c *gin.Context) {
	report, err := api.service.ReplayDeadLetters(c.Request.Context(), c.Param("consumer"))
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Get /v1/sagas/:id
func (api *API) InspectSaga(c *gin.Context) {
	inst, err := api.service.InspectSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Post /v1/sagas/:id/cancel
// Compensate a running saga
func (api *API) CancelSaga(c *gin.Context) {
	inst, err := api.service.CancelSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.problems.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, inst)
}
