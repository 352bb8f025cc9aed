// Package server exposes the local cache to the UI over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tenantshowcase/inappdb/internal/auth"
	"github.com/tenantshowcase/inappdb/internal/backend"
	"github.com/tenantshowcase/inappdb/internal/inappdb"
	"github.com/tenantshowcase/inappdb/internal/realtime"
	"github.com/tenantshowcase/inappdb/internal/session"
	"go.uber.org/zap"
)

var (
	errMissingValidator  = errors.New("session validator dependency required")
	errMissingSessions   = errors.New("session orchestrator dependency required")
	errMissingStore      = errors.New("store dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")
	errMissingFeed       = errors.New("realtime feed dependency required")
)

// SessionValidator turns a bearer token, cookie or explicit token into a validated session.
type SessionValidator interface {
	ValidateToken(token string) (auth.Session, error)
	ValidateRequest(r *http.Request) (auth.Session, error)
}

// Dependencies wires the HTTP surface to the cache.
type Dependencies struct {
	Validator      SessionValidator
	Sessions       *session.Orchestrator
	Store          *inappdb.Store
	Realtime       *realtime.Dispatcher
	Feed           *realtime.FeedState
	AllowedOrigins []string
	Heartbeat      time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the sidecar routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		validator: deps.Validator,
		sessions:  deps.Sessions,
		store:     deps.Store,
		realtime:  deps.Realtime,
		feed:      deps.Feed,
		heartbeat: heartbeat,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/session", handler.handleSignIn)
	router.POST("/session/guest", handler.handleStartGuest)
	router.DELETE("/session", handler.handleSignOut)

	me := router.Group("/me")
	me.Use(handler.requireCurrentUser)
	me.GET("", handler.handleMe)
	me.POST("/refresh", handler.handleRefresh)
	me.GET("/language", handler.handleGetLanguage)
	me.PUT("/language", handler.handleSetLanguage)
	me.GET("/notifications", handler.handleGetNotifications)
	me.PUT("/notifications", handler.handleSetNotifications)
	me.GET("/follows", handler.handleFollows)
	me.GET("/tenant-requests", handler.handleTenantRequests)
	me.POST("/push-subscriptions", handler.handleRegisterPush)

	router.POST("/channels/:username/follow", handler.requireCurrentUser, handler.handleFollow)
	router.DELETE("/channels/:username/follow", handler.requireCurrentUser, handler.handleUnfollow)
	router.GET("/channels/:username/messages", handler.handleChannelMessages)

	router.GET("/feed/:username", handler.handleFeed)
	router.GET("/events/:username", handler.handleEvents)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

const currentUserContextKey = "inappdb_current_user"

type httpHandler struct {
	validator SessionValidator
	sessions  *session.Orchestrator
	store     *inappdb.Store
	realtime  *realtime.Dispatcher
	feed      *realtime.FeedState
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "loading": h.sessions.Loading()})
}

type signInPayload struct {
	Token string `json:"token"`
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	var request signInPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.invalid_request"})
			return
		}
	}

	var (
		validated auth.Session
		err       error
	)
	if token := strings.TrimSpace(request.Token); token != "" {
		validated, err = h.validator.ValidateToken(token)
	} else {
		validated, err = h.validator.ValidateRequest(c.Request)
	}
	if err != nil {
		h.logTokenFailure(err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "server.unauthorized"})
		return
	}

	info, err := h.sessions.SignIn(validated)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleStartGuest(c *gin.Context) {
	info, err := h.sessions.StartGuest()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	h.sessions.SignOut()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requireCurrentUser(c *gin.Context) {
	info, ok := h.sessions.Current()
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": session.ErrNoCurrentUser.Error(),
			"code":  "server.no_current_user",
		})
		return
	}
	c.Set(currentUserContextKey, info.User)
	c.Next()
}

func currentUser(c *gin.Context) inappdb.User {
	value, _ := c.Get(currentUserContextKey)
	user, _ := value.(inappdb.User)
	return user
}

func (h *httpHandler) handleMe(c *gin.Context) {
	info, err := h.sessions.FetchUserInfo(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	info, err := h.sessions.RefreshUserInfo(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type languagePayload struct {
	Language json.RawMessage `json:"language"`
}

func (h *httpHandler) handleGetLanguage(c *gin.Context) {
	language, ok := h.store.GetUserLanguage(currentUser(c).ID)
	if !ok {
		language = inappdb.DefaultLanguage
	}
	c.JSON(http.StatusOK, gin.H{"language": language, "stored": ok})
}

func (h *httpHandler) handleSetLanguage(c *gin.Context) {
	var request languagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.invalid_request"})
		return
	}
	input := inappdb.ParseLanguageInput(request.Language)
	if input.Kind() == inappdb.LanguageUnknown {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_language", "code": "server.invalid_language"})
		return
	}
	info, err := h.sessions.SetLanguage(input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type notificationsPayload struct {
	Enabled *bool `json:"enabled"`
}

func (h *httpHandler) handleGetNotifications(c *gin.Context) {
	userID := currentUser(c).ID
	pref, stored := h.store.GetUserNotificationPref(userID)
	c.JSON(http.StatusOK, gin.H{
		"enabled":     h.store.GetUserNotifications(userID),
		"last_viewed": pref.LastViewed,
		"stored":      stored,
	})
}

func (h *httpHandler) handleSetNotifications(c *gin.Context) {
	var request notificationsPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.invalid_request"})
		return
	}
	info, err := h.sessions.SetNotifications(*request.Enabled)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleFollows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"follows": h.store.GetUserChannelFollow(currentUser(c).ID)})
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	info, err := h.sessions.FollowChannel(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	info, err := h.sessions.UnfollowChannel(c.Request.Context(), c.Param("username"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *httpHandler) handleTenantRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tenant_requests": h.store.GetTenantRequests(currentUser(c).ID)})
}

func (h *httpHandler) handleRegisterPush(c *gin.Context) {
	var request inappdb.PushSubscription
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Endpoint) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "server.invalid_request"})
		return
	}
	subscription, err := h.sessions.RegisterPushSubscription(c.Request.Context(), request)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, subscription)
}

func (h *httpHandler) handleChannelMessages(c *gin.Context) {
	username := c.Param("username")
	response := gin.H{"channel": username, "messages": h.store.GetChannelMessages(username)}
	if activity, ok := h.store.GetChannelActivity(username); ok {
		response["activity"] = activity
	}
	c.JSON(http.StatusOK, response)
}

type codedError interface {
	Code() string
}

// writeError renders err as {"error","code"} with a status derived from its cause.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, session.ErrNoCurrentUser):
		status = http.StatusUnauthorized
	case errors.Is(err, session.ErrGuestAction):
		status = http.StatusForbidden
	case errors.Is(err, inappdb.ErrInvalidCompositeKey), errors.Is(err, inappdb.ErrInvalidUserID):
		status = http.StatusBadRequest
	case errors.As(err, &apiErr):
		status = http.StatusBadGateway
	case strings.HasSuffix(errorCode(err), ".missing_channel"):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", errorCode(err)), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": errorCode(err)})
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "server.internal"
}

func (h *httpHandler) logTokenFailure(err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
		h.logger.Info("token validation failed", zap.Error(err))
		return
	}
	h.logger.Warn("token validation failed", zap.Error(err))
}
