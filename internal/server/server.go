// Package server exposes the HTTP surface: the websocket endpoint, the
// REST operations over requests and matches, health and metrics.
package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lifeline-health/lifeline/internal/auth"
	"github.com/lifeline-health/lifeline/internal/config"
	"github.com/lifeline-health/lifeline/internal/lifecycle"
	"github.com/lifeline-health/lifeline/internal/matching"
	"github.com/lifeline-health/lifeline/internal/storage"
	"github.com/lifeline-health/lifeline/internal/ws"
	"github.com/lifeline-health/lifeline/pkg/errors"
	"github.com/lifeline-health/lifeline/pkg/models"
)

const identityKey = "identity"

// Server wires the HTTP router over the core services.
type Server struct {
	cfg        config.Config
	store      storage.Store
	matcher    *matching.Matcher
	sm         *lifecycle.StateMachine
	wsHandler  *ws.Handler
	dispatcher *ws.Dispatcher
	verifier   *auth.Verifier
	validate   *validator.Validate
	registry   *prometheus.Registry
	logger     *zap.Logger
}

// New assembles the server.
func New(cfg config.Config, store storage.Store, matcher *matching.Matcher, sm *lifecycle.StateMachine, wsHandler *ws.Handler, dispatcher *ws.Dispatcher, verifier *auth.Verifier, registry *prometheus.Registry, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		matcher:    matcher,
		sm:         sm,
		wsHandler:  wsHandler,
		dispatcher: dispatcher,
		verifier:   verifier,
		validate:   validator.New(),
		registry:   registry,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	r.GET("/ws", s.authenticate, s.serveWS)

	api := r.Group("/api/v1", s.authenticate)
	{
		api.POST("/donors", s.createDonor)
		api.GET("/donors/:id", s.getDonor)
		api.POST("/hospitals", s.createHospital)

		api.POST("/requests", s.createRequest)
		api.GET("/requests/:id", s.getRequest)
		api.POST("/requests/:id/cancel", s.cancelRequest)
		api.POST("/requests/:id/matches", s.findMatches)
		api.GET("/requests/:id/matches", s.listMatches)

		api.GET("/matches/:id", s.getMatch)
		api.POST("/matches/:id/status", s.updateMatchStatus)
		api.POST("/matches/:id/tracking", s.updateTracking)

		api.POST("/matching/run", s.runBatch)
	}
	return r
}

// authenticate resolves the bearer token (or the token query parameter
// for websocket upgrades) into an identity.
func (s *Server) authenticate(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing session token"})
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
		return
	}
	c.Set(identityKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) models.Identity {
	return c.MustGet(identityKey).(models.Identity)
}

func (s *Server) serveWS(c *gin.Context) {
	s.wsHandler.Serve(c.Writer, c.Request, identityFrom(c))
}

func (s *Server) createDonor(c *gin.Context) {
	id := identityFrom(c)
	if id.Role == models.RoleHospital {
		s.fail(c, errors.Authorization.Explain("hospitals may not register donors"))
		return
	}
	var donor models.Donor
	if err := c.ShouldBindJSON(&donor); err != nil {
		s.fail(c, errors.Validation.Explain("malformed donor payload").WithCause(err))
		return
	}
	if donor.ID == uuid.Nil {
		donor.ID = uuid.New()
	}
	now := time.Now().UTC()
	donor.CreatedAt, donor.UpdatedAt = now, now
	if err := s.validate.Struct(&donor); err != nil {
		s.fail(c, errors.Validation.Explain("invalid donor profile").WithCause(err))
		return
	}
	if !donor.BloodType.Valid() {
		s.fail(c, errors.Validation.Explain("unknown blood type %q", donor.BloodType))
		return
	}
	if err := s.store.Donors().CreateDonor(c.Request.Context(), &donor); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, donor)
}

func (s *Server) getDonor(c *gin.Context) {
	donorID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed donor id"))
		return
	}
	donor, err := s.store.Donors().GetDonor(c.Request.Context(), donorID)
	if err != nil {
		s.fail(c, err)
		return
	}
	id := identityFrom(c)
	if id.Role == models.RoleDonor && (id.DonorID == nil || *id.DonorID != donor.ID) {
		s.fail(c, errors.Authorization.Explain("donor may only read their own profile"))
		return
	}
	c.JSON(http.StatusOK, donor)
}

func (s *Server) createHospital(c *gin.Context) {
	id := identityFrom(c)
	if id.Role != models.RoleAdmin && id.Role != models.RoleCoordinator {
		s.fail(c, errors.Authorization.Explain("only coordinators may register hospitals"))
		return
	}
	var hospital models.Hospital
	if err := c.ShouldBindJSON(&hospital); err != nil {
		s.fail(c, errors.Validation.Explain("malformed hospital payload").WithCause(err))
		return
	}
	if hospital.ID == uuid.Nil {
		hospital.ID = uuid.New()
	}
	now := time.Now().UTC()
	hospital.CreatedAt, hospital.UpdatedAt = now, now
	if err := s.validate.Struct(&hospital); err != nil {
		s.fail(c, errors.Validation.Explain("invalid hospital profile").WithCause(err))
		return
	}
	if err := s.store.Hospitals().CreateHospital(c.Request.Context(), &hospital); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, hospital)
}

// createRequest persists a new donation request and fans it out to the
// donors who could serve it.
func (s *Server) createRequest(c *gin.Context) {
	id := identityFrom(c)
	if id.Role != models.RoleHospital || id.HospitalID == nil {
		s.fail(c, errors.Authorization.Explain("only hospitals may create requests"))
		return
	}
	var req models.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, errors.Validation.Explain("malformed request payload").WithCause(err))
		return
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.HospitalID = *id.HospitalID
	req.CreatedBy = id.UserID
	req.Status = models.RequestPending
	now := time.Now().UTC()
	req.CreatedAt, req.UpdatedAt = now, now
	if err := s.validate.Struct(&req); err != nil {
		s.fail(c, errors.Validation.Explain("invalid request").WithCause(err))
		return
	}
	if !req.RequiredBy.After(now) {
		s.fail(c, errors.Validation.Explain("required_by must be in the future"))
		return
	}
	if err := s.store.Requests().CreateRequest(c.Request.Context(), &req); err != nil {
		s.fail(c, err)
		return
	}
	s.dispatcher.BroadcastNewRequest(&req)
	c.JSON(http.StatusCreated, req)
}

func (s *Server) getRequest(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed request id"))
		return
	}
	req, err := s.store.Requests().GetRequest(c.Request.Context(), requestID)
	if err != nil {
		s.fail(c, err)
		return
	}
	id := identityFrom(c)
	if id.Role == models.RoleHospital && (id.HospitalID == nil || *id.HospitalID != req.HospitalID) {
		s.fail(c, errors.Authorization.Explain("hospital may only read its own requests"))
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) cancelRequest(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed request id"))
		return
	}
	if err := s.sm.CancelRequest(c.Request.Context(), requestID, identityFrom(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.RequestCancelled})
}

func (s *Server) findMatches(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed request id"))
		return
	}
	id := identityFrom(c)
	if id.Role == models.RoleDonor {
		s.fail(c, errors.Authorization.Explain("donors may not run matching"))
		return
	}
	if id.Role == models.RoleHospital {
		req, err := s.store.Requests().GetRequest(c.Request.Context(), requestID)
		if err != nil {
			s.fail(c, err)
			return
		}
		if id.HospitalID == nil || *id.HospitalID != req.HospitalID {
			s.fail(c, errors.Authorization.Explain("hospital may only match its own requests"))
			return
		}
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.fail(c, errors.Validation.Explain("limit must be a non-negative integer"))
			return
		}
	}

	matches, err := s.matcher.FindBestMatches(c.Request.Context(), requestID, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

func (s *Server) listMatches(c *gin.Context) {
	requestID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed request id"))
		return
	}
	id := identityFrom(c)
	if id.Role == models.RoleDonor {
		s.fail(c, errors.Authorization.Explain("donors may not list request matches"))
		return
	}
	req, err := s.store.Requests().GetRequest(c.Request.Context(), requestID)
	if err != nil {
		s.fail(c, err)
		return
	}
	if id.Role == models.RoleHospital && (id.HospitalID == nil || *id.HospitalID != req.HospitalID) {
		s.fail(c, errors.Authorization.Explain("hospital may only read its own requests"))
		return
	}
	matches, err := s.store.Matches().ListMatchesByRequest(c.Request.Context(), requestID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

func (s *Server) getMatch(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed match id"))
		return
	}
	match, err := s.store.Matches().GetMatch(c.Request.Context(), matchID)
	if err != nil {
		s.fail(c, err)
		return
	}
	id := identityFrom(c)
	switch id.Role {
	case models.RoleDonor:
		if id.DonorID == nil || *id.DonorID != match.DonorID {
			s.fail(c, errors.Authorization.Explain("donor may only read their own matches"))
			return
		}
	case models.RoleHospital:
		req, err := s.store.Requests().GetRequest(c.Request.Context(), match.RequestID)
		if err != nil {
			s.fail(c, err)
			return
		}
		if id.HospitalID == nil || *id.HospitalID != req.HospitalID {
			s.fail(c, errors.Authorization.Explain("hospital may only read matches of its own requests"))
			return
		}
	}
	c.JSON(http.StatusOK, match)
}

type statusUpdateBody struct {
	Status           models.MatchStatus     `json:"status" binding:"required"`
	Reason           string                 `json:"reason"`
	TransportMethod  models.TransportMethod `json:"transport_method"`
	Location         *models.GeoPoint       `json:"location"`
	EstimatedArrival *time.Time             `json:"estimated_arrival"`
	OutcomeNotes     string                 `json:"outcome_notes"`
	Successful       *bool                  `json:"successful"`
}

func (s *Server) updateMatchStatus(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed match id"))
		return
	}
	var body statusUpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.Validation.Explain("malformed status payload").WithCause(err))
		return
	}
	match, err := s.sm.Transition(c.Request.Context(), matchID, body.Status, identityFrom(c), lifecycle.Payload{
		Reason:           body.Reason,
		TransportMethod:  body.TransportMethod,
		Location:         body.Location,
		EstimatedArrival: body.EstimatedArrival,
		OutcomeNotes:     body.OutcomeNotes,
		Successful:       body.Successful,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, match)
}

type trackingBody struct {
	Location         *models.GeoPoint `json:"location"`
	EstimatedArrival *time.Time       `json:"estimated_arrival"`
}

func (s *Server) updateTracking(c *gin.Context) {
	matchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, errors.Validation.Explain("malformed match id"))
		return
	}
	var body trackingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, errors.Validation.Explain("malformed tracking payload").WithCause(err))
		return
	}
	match, err := s.sm.UpdateTracking(c.Request.Context(), matchID, identityFrom(c), lifecycle.Payload{
		Location:         body.Location,
		EstimatedArrival: body.EstimatedArrival,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, match)
}

func (s *Server) runBatch(c *gin.Context) {
	id := identityFrom(c)
	if id.Role != models.RoleCoordinator && id.Role != models.RoleAdmin {
		s.fail(c, errors.Authorization.Explain("only coordinators may run batch matching"))
		return
	}
	stats, err := s.matcher.ProcessAllPending(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// fail maps a kinded error onto an HTTP status.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.Validation):
		status = http.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.Authorization):
		status = http.StatusForbidden
	case errors.Is(err, errors.DuplicateMatch),
		errors.Is(err, errors.InvalidTransition),
		errors.Is(err, errors.ImmutableState):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
