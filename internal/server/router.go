package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "dealflow_subject_id"
	adminContextKey   = "dealflow_is_admin"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingDealsService     = errors.New("deals service dependency required")
	errMissingActivityStore    = errors.New("activity store dependency required")
	errMissingRealtimeEndpoint = errors.New("realtime endpoint dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	DealsService     *deals.Service
	Activities       *activity.Store
	Realtime         *realtime.Endpoint
	AllowedOrigins   []string
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.DealsService == nil {
		return nil, errMissingDealsService
	}
	if deps.Activities == nil {
		return nil, errMissingActivityStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtimeEndpoint
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		deals:      deps.DealsService,
		activities: deps.Activities,
		realtime:   deps.Realtime,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/pipelines", handler.handleListPipelines)
	protected.GET("/deals", handler.handleListDeals)
	protected.POST("/deals", handler.handleCreateDeal)
	protected.GET("/deals/:id", handler.handleGetDeal)
	protected.PATCH("/deals/:id", handler.handleUpdateDeal)
	protected.DELETE("/deals/:id", handler.handleDeleteDeal)
	protected.POST("/deals/:id/move", handler.handleMoveDeal)
	protected.GET("/deals/:id/quote-items", handler.handleListQuoteItems)
	protected.POST("/deals/:id/quote-items", handler.handleAddQuoteItem)
	protected.PATCH("/deals/:id/quote-items/:itemId", handler.handleUpdateQuoteItem)
	protected.DELETE("/deals/:id/quote-items/:itemId", handler.handleRemoveQuoteItem)
	protected.GET("/deals/:id/activities", handler.handleListActivities)

	admin := protected.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.DELETE("/activities/:id", handler.handleDeleteActivity)

	return router, nil
}

// corsMiddleware only allows credentialed requests from configured origins. Without a list
// any origin may call the API with a bearer token, but browsers will not attach cookies.
func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOrigins = []string{"*"}
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions   SessionValidator
	deals      *deals.Service
	activities *activity.Store
	realtime   *realtime.Endpoint
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subject, err := claims.SubjectID()
	if err != nil {
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Set(adminContextKey, claims.HasRole(auth.RoleAdmin))
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	if !c.GetBool(adminContextKey) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}

// handleWebSocket accepts anonymous connections. A presented session must be valid and
// then restricts registration to its own subject.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	var sessionSubject *int64
	claims, err := h.sessions.ValidateRequest(c.Request)
	switch {
	case err == nil:
		subject, subjectErr := claims.SubjectID()
		if subjectErr != nil {
			h.logTokenFailure(subjectErr)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		sessionSubject = &subject
	case errors.Is(err, auth.ErrMissingSessionToken):
	default:
		h.logTokenFailure(err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.realtime.Serve(c.Writer, c.Request, sessionSubject)
}

func (h *httpHandler) actor(c *gin.Context) deals.SubjectID {
	value, ok := c.Get(subjectContextKey)
	if !ok {
		return deals.SystemActor
	}
	subject, ok := value.(int64)
	if !ok {
		return deals.SystemActor
	}
	return deals.SubjectID(subject)
}

func (h *httpHandler) dealIDParam(c *gin.Context) (deals.DealID, bool) {
	dealID, err := deals.NewDealID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, errorValidationFailed, "request.invalid_deal_id")
		return "", false
	}
	return dealID, true
}

const (
	errorNotFound          = "not_found"
	errorValidationFailed  = "validation_failed"
	errorPersistenceFailed = "persistence_failed"
)

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(c *gin.Context, status int, kind, code string) {
	c.AbortWithStatusJSON(status, errorPayload{Error: kind, Code: code})
}

type codedError interface {
	Code() string
}

// writeServiceError maps classified service failures onto the HTTP error contract.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := ""
	var coded codedError
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	switch {
	case errors.Is(err, deals.ErrNotFound), errors.Is(err, activity.ErrNotFound):
		writeError(c, http.StatusNotFound, errorNotFound, code)
	case errors.Is(err, deals.ErrValidation), errors.Is(err, activity.ErrInvalidRecord):
		writeError(c, http.StatusBadRequest, errorValidationFailed, code)
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
		writeError(c, http.StatusInternalServerError, errorPersistenceFailed, code)
	}
}

func trimmedQuery(c *gin.Context, key string) string {
	return strings.TrimSpace(c.Query(key))
}
