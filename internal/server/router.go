package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/history"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/realtime"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const identityContextKey = "collab_identity"

var (
	errMissingVerifier      = errors.New("verifier dependency required")
	errMissingHistory       = errors.New("history service dependency required")
	errMissingGrants        = errors.New("grant service dependency required")
	errMissingRealtime      = errors.New("realtime handler dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// CredentialVerifier authenticates bearer tokens.
type CredentialVerifier interface {
	VerifyCredential(token string) (auth.Identity, error)
}

// HistoryService serves snapshots and the change journal.
type HistoryService interface {
	ListSnapshots(ctx context.Context, identity auth.Identity, roomKey string, limit int) ([]history.Snapshot, error)
	GetSnapshot(ctx context.Context, identity auth.Identity, roomKey, snapshotID string) (history.Snapshot, error)
	CreateSnapshot(ctx context.Context, identity auth.Identity, roomKey, note string) (history.Snapshot, error)
	RestoreSnapshot(ctx context.Context, identity auth.Identity, roomKey, snapshotID string) (history.RestoreResult, error)
	Diff(ctx context.Context, identity auth.Identity, roomKey, fromID, toID string) (history.Diff, error)
	RecordChange(ctx context.Context, identity auth.Identity, roomKey string, event history.ChangeEvent) (history.ChangeEvent, error)
	RecordChangesBatch(ctx context.Context, identity auth.Identity, roomKey string, events []history.ChangeEvent) (int, error)
	QueryChanges(ctx context.Context, identity auth.Identity, roomKey string, query history.ChangeQuery) ([]history.ChangeEvent, error)
}

// GrantService checks and changes room access levels.
type GrantService interface {
	RequireRead(ctx context.Context, identity auth.Identity, roomID string) error
	SetGrant(ctx context.Context, actor auth.Identity, roomID, userID string, level access.Level) error
}

// RealtimeHandler runs websocket connections for a room.
type RealtimeHandler interface {
	ServeRoom(w http.ResponseWriter, r *http.Request, roomKey string)
	Participants(storageKey string) []realtime.Participant
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Verifier       CredentialVerifier
	History        HistoryService
	Grants         GrantService
	Realtime       RealtimeHandler
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the REST API, websocket endpoint and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Grants == nil {
		return nil, errMissingGrants
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))
	router.Use(tracingMiddleware())
	router.Use(metricsMiddleware(deps.Metrics))

	handler := &httpHandler{
		verifier: deps.Verifier,
		history:  deps.History,
		grants:   deps.Grants,
		realtime: deps.Realtime,
		logger:   logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	// Websocket clients authenticate inside the handshake so failures surface as close codes.
	router.GET("/ws/rooms/:room", handler.handleWebsocket)

	protected := router.Group("/rooms/:room")
	protected.Use(handler.authorizeRequest)
	protected.GET("/snapshots", handler.handleListSnapshots)
	protected.POST("/snapshots", handler.handleCreateSnapshot)
	protected.GET("/snapshots/:snapshot", handler.handleGetSnapshot)
	protected.POST("/snapshots/:snapshot/restore", handler.handleRestoreSnapshot)
	protected.GET("/diff", handler.handleDiff)
	protected.GET("/changes", handler.handleQueryChanges)
	protected.POST("/changes", handler.handleRecordChange)
	protected.POST("/changes/batch", handler.handleRecordChangesBatch)
	protected.PUT("/grants/:user", handler.handleSetGrant)
	protected.GET("/participants", handler.handleListParticipants)

	return router, nil
}

type httpHandler struct {
	verifier CredentialVerifier
	history  HistoryService
	grants   GrantService
	realtime RealtimeHandler
	logger   *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := telemetry.StartServerSpan(c.Request.Context(), c.Request.Method+" "+route,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func metricsMiddleware(recorder *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.verifier.VerifyCredential(token)
	if err != nil {
		level := zapcore.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			level = zapcore.InfoLevel
		}
		h.logger.Check(level, "token validation failed").Write(zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	h.realtime.ServeRoom(c.Writer, c.Request, c.Param("room"))
}

func identityFrom(c *gin.Context) auth.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(auth.Identity)
	return identity
}
