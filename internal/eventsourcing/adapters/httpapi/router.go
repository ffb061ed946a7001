// Package httpapi exposes the command and query service over HTTP.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Route is one HTTP endpoint.
type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc gin.HandlerFunc
}

// Routes lists every endpoint under /v1.
func (api *API) Routes() []Route {
	return []Route{
		{"SubmitCommand", http.MethodPost, "/aggregates/:type/:id/commands", api.SubmitCommand},
		{"ReadStream", http.MethodGet, "/aggregates/:type/:id/events", api.ReadStream},
		{"QueryProjection", http.MethodGet, "/projections/:name", api.QueryProjection},
		{"GetReadModel", http.MethodGet, "/projections/:name/rows/:key", api.GetReadModel},
		{"RebuildProjection", http.MethodPost, "/projections/:name/rebuild", api.RebuildProjection},
		{"StreamEvents", http.MethodGet, "/events/stream", api.StreamEvents},
		{"ListDeadLetters", http.MethodGet, "/dead-letters/:consumer", api.ListDeadLetters},
		{"ReplayDeadLetters", http.MethodPost, "/dead-letters/:consumer/replay", api.ReplayDeadLetters},
		{"InspectSaga", http.MethodGet, "/sagas/:id", api.InspectSaga},
		{"CancelSaga", http.MethodPost, "/sagas/:id/cancel", api.CancelSaga},
	}
}

// NewRouter builds the gin engine. Middleware runs before every route, so tracing
// middleware has to be passed here rather than added afterwards.
func NewRouter(api *API, middleware ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware...)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	v1 := router.Group("/v1")
	for _, route := range api.Routes() {
		v1.Handle(route.Method, route.Pattern, route.HandlerFunc)
	}
	router.NoRoute(func(c *gin.Context) {
		api.problems.NotFound(c, "route", c.Request.URL.Path)
	})
	return router
}
