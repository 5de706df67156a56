// Package controller serves the control-plane HTTP surface: the operator
// API, the neuron websocket endpoint and Prometheus metrics.
package controller

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"neuronctl/internal/api"
	"neuronctl/internal/model"
	"neuronctl/internal/registry"
	"neuronctl/internal/store"
	"neuronctl/internal/syncer"
)

// Facade is the operator API the handlers call.
type Facade interface {
	RegisterNeuron(ctx context.Context, reg registry.Registration) api.Response
	ListNeurons(ctx context.Context, f registry.Filter) api.Response
	GetNeuron(ctx context.Context, id string) api.Response
	RetireNeuron(ctx context.Context, id, by string) api.Response
	ForceRecovery(ctx context.Context, id string) api.Response
	CheckNeuron(ctx context.Context, id string, typ model.CheckType) api.Response
	NeuronHealth(ctx context.Context, id string, since time.Time) api.Response
	ListFailures(ctx context.Context, neuronID string) api.Response
	Heartbeat(ctx context.Context, id, token string) api.Response

	PushConfig(ctx context.Context, req syncer.PushConfigRequest) api.Response
	ConfigVersions(ctx context.Context, key string) api.Response
	RollbackConfig(ctx context.Context, req api.RollbackRequest) api.Response
	HotReload(ctx context.Context, req syncer.HotReloadRequest) api.Response
	SubmitHotReload(ctx context.Context, req syncer.HotReloadRequest) api.Response
	ListJobs(ctx context.Context, f store.JobFilter) api.Response

	ListConflicts(ctx context.Context, status model.ConflictStatus) api.Response
	ResolveConflict(ctx context.Context, id string, req api.ResolveConflictRequest) api.Response

	FleetStatus(ctx context.Context) api.Response
	Broadcast(ctx context.Context, req api.AdvisoryRequest) api.Response
	ListEvents(ctx context.Context, f store.EventFilter) api.Response
	ExportEvents(ctx context.Context, w io.Writer, f store.EventFilter) api.Response
}

// Accepter upgrades neuron websocket connections.
type Accepter interface {
	Accept(w http.ResponseWriter, r *http.Request) error
}

// Server provides the control-plane HTTP API.
type Server struct {
	api     Facade
	hub     Accepter
	metrics http.Handler
	log     zerolog.Logger
}

// New constructs a server. hub and metrics may be nil.
func New(f Facade, hub Accepter, metrics http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		api:     f,
		hub:     hub,
		metrics: metrics,
		log:     logger.With().Str("component", "http").Logger(),
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, api.OK(map[string]string{"status": "ok"}))
	})
	if s.hub != nil {
		r.GET("/ws", s.handleWebsocket)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/neurons", s.handleRegister)
	v1.GET("/neurons", s.handleListNeurons)
	v1.GET("/neurons/:id", s.handleGetNeuron)
	v1.POST("/neurons/:id/retire", s.handleRetire)
	v1.POST("/neurons/:id/recover", s.handleRecover)
	v1.POST("/neurons/:id/check", s.handleCheck)
	v1.GET("/neurons/:id/health", s.handleNeuronHealth)
	v1.GET("/neurons/:id/failures", s.handleFailures)
	v1.GET("/failures", s.handleFailures)
	v1.POST("/heartbeat", s.handleHeartbeat)

	v1.POST("/configs", s.handlePushConfig)
	v1.GET("/configs/:key/versions", s.handleConfigVersions)
	v1.POST("/configs/:key/rollback", s.handleRollback)
	v1.POST("/reloads", s.handleHotReload)
	v1.GET("/jobs", s.handleJobs)

	v1.GET("/conflicts", s.handleConflicts)
	v1.POST("/conflicts/:id/resolve", s.handleResolve)

	v1.GET("/fleet", s.handleFleet)
	v1.POST("/advisories", s.handleAdvisory)
	v1.GET("/events", s.handleEvents)
	v1.GET("/events/export", s.handleExport)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleWebsocket(c *gin.Context) {
	if err := s.hub.Accept(c.Writer, c.Request); err != nil {
		s.log.Debug().Err(err).Str("remote", c.ClientIP()).Msg("websocket session refused")
	}
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registry.Registration
	if !bindJSON(c, &req) {
		return
	}
	respond(c, s.api.RegisterNeuron(c.Request.Context(), req))
}

type neuronQuery struct {
	Status         string `form:"status"`
	Type           string `form:"type"`
	Capability     string `form:"capability"`
	Environment    string `form:"environment"`
	IncludeRetired bool   `form:"includeRetired"`
}

func (s *Server) handleListNeurons(c *gin.Context) {
	var q neuronQuery
	if !bindQuery(c, &q) {
		return
	}
	respond(c, s.api.ListNeurons(c.Request.Context(), registry.Filter{
		Status:         model.NeuronStatus(q.Status),
		Type:           q.Type,
		Capability:     q.Capability,
		Environment:    q.Environment,
		IncludeRetired: q.IncludeRetired,
	}))
}

func (s *Server) handleGetNeuron(c *gin.Context) {
	respond(c, s.api.GetNeuron(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleRetire(c *gin.Context) {
	var req api.RetireRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	respond(c, s.api.RetireNeuron(c.Request.Context(), c.Param("id"), req.By))
}

func (s *Server) handleRecover(c *gin.Context) {
	respond(c, s.api.ForceRecovery(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleCheck(c *gin.Context) {
	respond(c, s.api.CheckNeuron(c.Request.Context(), c.Param("id"), model.CheckType(c.Query("type"))))
}

func (s *Server) handleNeuronHealth(c *gin.Context) {
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, err)
			return
		}
		since = t
	}
	respond(c, s.api.NeuronHealth(c.Request.Context(), c.Param("id"), since))
}

func (s *Server) handleFailures(c *gin.Context) {
	respond(c, s.api.ListFailures(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req api.HeartbeatRequest
	if !bindJSON(c, &req) {
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	respond(c, s.api.Heartbeat(c.Request.Context(), req.NeuronID, token))
}

func (s *Server) handlePushConfig(c *gin.Context) {
	var req syncer.PushConfigRequest
	if !bindJSON(c, &req) {
		return
	}
	respond(c, s.api.PushConfig(c.Request.Context(), req))
}

func (s *Server) handleConfigVersions(c *gin.Context) {
	respond(c, s.api.ConfigVersions(c.Request.Context(), c.Param("key")))
}

func (s *Server) handleRollback(c *gin.Context) {
	var req api.RollbackRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Key = c.Param("key")
	respond(c, s.api.RollbackConfig(c.Request.Context(), req))
}

func (s *Server) handleHotReload(c *gin.Context) {
	var req syncer.HotReloadRequest
	if !bindJSON(c, &req) {
		return
	}
	if c.Query("async") == "true" {
		respond(c, s.api.SubmitHotReload(c.Request.Context(), req))
		return
	}
	respond(c, s.api.HotReload(c.Request.Context(), req))
}

type jobQuery struct {
	Status string `form:"status"`
	Type   string `form:"type"`
	Limit  int    `form:"limit"`
}

func (s *Server) handleJobs(c *gin.Context) {
	var q jobQuery
	if !bindQuery(c, &q) {
		return
	}
	respond(c, s.api.ListJobs(c.Request.Context(), store.JobFilter{
		Status: model.JobStatus(q.Status),
		Type:   model.SyncType(q.Type),
		Limit:  q.Limit,
	}))
}

func (s *Server) handleConflicts(c *gin.Context) {
	respond(c, s.api.ListConflicts(c.Request.Context(), model.ConflictStatus(c.Query("status"))))
}

func (s *Server) handleResolve(c *gin.Context) {
	var req api.ResolveConflictRequest
	if !bindJSON(c, &req) {
		return
	}
	respond(c, s.api.ResolveConflict(c.Request.Context(), c.Param("id"), req))
}

func (s *Server) handleFleet(c *gin.Context) {
	respond(c, s.api.FleetStatus(c.Request.Context()))
}

func (s *Server) handleAdvisory(c *gin.Context) {
	var req api.AdvisoryRequest
	if !bindJSON(c, &req) {
		return
	}
	respond(c, s.api.Broadcast(c.Request.Context(), req))
}

func (s *Server) eventFilter(c *gin.Context) (store.EventFilter, bool) {
	var q api.EventQuery
	if !bindQuery(c, &q) {
		return store.EventFilter{}, false
	}
	return store.EventFilter{NeuronID: q.NeuronID, EventType: q.EventType, Since: q.Since, Limit: q.Limit}, true
}

func (s *Server) handleEvents(c *gin.Context) {
	f, ok := s.eventFilter(c)
	if !ok {
		return
	}
	respond(c, s.api.ListEvents(c.Request.Context(), f))
}

func (s *Server) handleExport(c *gin.Context) {
	f, ok := s.eventFilter(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	res := s.api.ExportEvents(c.Request.Context(), &buf, f)
	if !res.Success {
		respond(c, res)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="events.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func bindQuery(c *gin.Context, v any) bool {
	if err := c.ShouldBindQuery(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, api.Fail(api.CodeInvalid, err))
}

func respond(c *gin.Context, res api.Response) {
	c.JSON(statusFor(res), res)
}

func statusFor(res api.Response) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Code {
	case api.CodeInvalid:
		return http.StatusBadRequest
	case api.CodeUnauthorized:
		return http.StatusUnauthorized
	case api.CodeNotFound:
		return http.StatusNotFound
	case api.CodeRetired, api.CodeConflict:
		return http.StatusConflict
	case api.CodeAborted:
		return http.StatusUnprocessableEntity
	case api.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
