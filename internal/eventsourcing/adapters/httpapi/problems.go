package httpapi

import (
	"errors"

	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/aggregate"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/application"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/event"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/ports"
	"github.com/Apurer/go-eventsourcing-server/internal/eventsourcing/saga"
	apierrors "github.com/Apurer/go-eventsourcing-server/internal/shared/errors"
)

// NewProblemResponder maps runtime errors to problem documents. Rejections (422) and
// unrecorded commands (503) never share a status.
func NewProblemResponder(baseURI string) *apierrors.ChainedResponder {
	return apierrors.NewChainedResponder(baseURI,
		apierrors.MapSentinels(apierrors.ErrRuleViolation, aggregate.ErrRuleViolation),
		apierrors.MapSentinels(apierrors.ErrUnavailable, aggregate.ErrUnavailable),
		concurrencyProblem,
		apierrors.MapSentinels(apierrors.ErrConflict,
			aggregate.ErrConflictExhausted,
			ports.ErrConcurrency,
			ports.ErrRebuildInProgress,
			ports.ErrIdempotencyConflict,
			saga.ErrSagaTerminal,
		),
		apierrors.MapSentinels(apierrors.ErrNotFound,
			ports.ErrNotFound,
			aggregate.ErrUnknownAggregate,
			saga.ErrUnknownSaga,
		),
		apierrors.MapSentinels(apierrors.ErrBadRequest,
			application.ErrInvalidInput,
			aggregate.ErrInvalidCommand,
			aggregate.ErrUnknownCommand,
			event.ErrInvalidStream,
		),
	)
}

// concurrencyProblem reports pinned-version conflicts with the versions involved.
func concurrencyProblem(err error) (apierrors.ProblemDetail, bool) {
	var conflict *ports.ConcurrencyError
	if !errors.As(err, &conflict) || errors.Is(err, aggregate.ErrConflictExhausted) {
		return apierrors.ProblemDetail{}, false
	}
	return apierrors.ErrConflict.
		WithDetail(err.Error()).
		WithExtension("stream", conflict.Stream.String()).
		WithExtension("expected_version", conflict.Expected).
		WithExtension("current_version", conflict.Actual), true
}
