// Package server exposes the local control API: signal delivery (connectivity,
// wake, app start, manual sync), status and event observation, story reads and
// submissions, and favorites management.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceritalabs/storysync/internal/quota"
	"github.com/ceritalabs/storysync/internal/remote"
	"github.com/ceritalabs/storysync/internal/store"
	"github.com/ceritalabs/storysync/internal/stories"
	"github.com/ceritalabs/storysync/internal/syncer"
	"github.com/ceritalabs/storysync/internal/trigger"
)

var (
	errMissingStore       = errors.New("store dependency required")
	errMissingStories     = errors.New("stories service dependency required")
	errMissingRemote      = errors.New("remote client dependency required")
	errMissingHub         = errors.New("trigger hub dependency required")
	errMissingCoordinator = errors.New("sync coordinator dependency required")
)

// Dependencies carries the component graph the control API serves.
type Dependencies struct {
	Store       *store.Store
	Stories     *stories.Service
	Remote      *remote.Client
	Hub         *trigger.Hub
	Coordinator *syncer.Coordinator
	Quota       *quota.Guardian
	Events      *EventDispatcher
	Logger      *zap.Logger
}

// NewHTTPHandler validates the dependencies and builds the control API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Stories == nil {
		return nil, errMissingStories
	}
	if deps.Remote == nil {
		return nil, errMissingRemote
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:       deps.Store,
		stories:     deps.Stories,
		remote:      deps.Remote,
		hub:         deps.Hub,
		coordinator: deps.Coordinator,
		quota:       deps.Quota,
		events:      events,
		logger:      logger,
	}

	router.GET("/status", handler.handleStatus)
	router.POST("/sync", handler.handleManualSync)
	router.GET("/events", handler.handleEvents)

	signals := router.Group("/signals")
	signals.POST("/online", handler.handleOnline)
	signals.POST("/offline", handler.handleOffline)
	signals.POST("/app-start", handler.handleAppStart)
	signals.POST("/wake", handler.handleWake)

	router.POST("/register", handler.handleRegister)
	router.POST("/login", handler.handleLogin)
	router.GET("/stories", handler.handleListStories)
	router.POST("/stories", handler.handleSubmitStory)

	router.GET("/favorites", handler.handleListFavorites)
	router.GET("/favorites/search", handler.handleSearchFavorites)
	router.GET("/favorites/:id", handler.handleGetFavorite)
	router.POST("/favorites", handler.handleAddFavorite)
	router.DELETE("/favorites/:id", handler.handleDeleteFavorite)

	if deps.Quota != nil {
		router.POST("/quota/check", handler.handleQuotaCheck)
	}

	return router, nil
}

type httpHandler struct {
	store       *store.Store
	stories     *stories.Service
	remote      *remote.Client
	hub         *trigger.Hub
	coordinator *syncer.Coordinator
	quota       *quota.Guardian
	events      *EventDispatcher
	logger      *zap.Logger
}

type statusPayload struct {
	Online   bool                `json:"online"`
	Pending  int64               `json:"pending"`
	Poisoned int64               `json:"poisoned"`
	LastSync *syncer.DrainResult `json:"lastSync"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	pending, err := h.store.PendingCount(c.Request.Context())
	if err != nil {
		h.logger.Error("pending count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}
	poisoned, err := h.store.PoisonedCount(c.Request.Context())
	if err != nil {
		h.logger.Error("poisoned count failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	payload := statusPayload{
		Online:   h.hub.Online(),
		Pending:  pending,
		Poisoned: poisoned,
	}
	if last, ok := h.coordinator.LastResult(); ok {
		payload.LastSync = &last
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleManualSync(c *gin.Context) {
	go func() {
		if _, err := h.hub.ManualSync(context.Background()); err != nil {
			h.logger.Warn("manual sync failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "sync_scheduled"})
}

func (h *httpHandler) handleOnline(c *gin.Context) {
	h.hub.HandleOnline()
	c.JSON(http.StatusAccepted, gin.H{"status": "online"})
}

func (h *httpHandler) handleOffline(c *gin.Context) {
	h.hub.HandleOffline()
	c.JSON(http.StatusAccepted, gin.H{"status": "offline"})
}

func (h *httpHandler) handleAppStart(c *gin.Context) {
	h.hub.AppStarted()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

type wakeRequestPayload struct {
	Tag string `json:"tag"`
}

func (h *httpHandler) handleWake(c *gin.Context) {
	var request wakeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Tag) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.hub.BackgroundWake(c.Request.Context(), request.Tag)
	if err != nil {
		h.logger.Error("background wake failed", zap.String("tag", request.Tag), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wake_failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleQuotaCheck(c *gin.Context) {
	report, err := h.quota.CheckAndEvict(c.Request.Context())
	if err != nil {
		h.logger.Error("quota check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota_check_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type registerRequestPayload struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.remote.Register(c.Request.Context(), request.Name, request.Email, request.Password)
	if err != nil {
		h.respondRemoteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "registered"})
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Email) == "" || request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.remote.Login(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondRemoteError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type listingPayload struct {
	Stories   []remote.Story `json:"stories"`
	FromCache bool           `json:"fromCache"`
}

func (h *httpHandler) handleListStories(c *gin.Context) {
	token, ok := h.bearerToken(c)
	if !ok {
		return
	}

	listing, err := h.stories.List(c.Request.Context(), token)
	if err != nil {
		h.respondRemoteError(c, err)
		return
	}
	c.JSON(http.StatusOK, listingPayload{Stories: listing.Stories, FromCache: listing.FromCache})
}

type submitStoryPayload struct {
	Description string   `json:"description"`
	Photo       string   `json:"photo"`
	Latitude    *float64 `json:"lat"`
	Longitude   *float64 `json:"lon"`
}

// handleSubmitStory attempts a live upload and, when the service is
// unreachable, queues the write durably instead. The caller learns which of
// the two happened from the status code: 201 delivered, 202 queued.
func (h *httpHandler) handleSubmitStory(c *gin.Context) {
	token, ok := h.bearerToken(c)
	if !ok {
		return
	}

	var request submitStoryPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Description) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	photo := store.NoPhoto()
	var photoBytes []byte
	if strings.TrimSpace(request.Photo) != "" {
		photo = store.EncodedPhoto(request.Photo)
		resolved, err := photo.Resolve()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_photo"})
			return
		}
		photoBytes = resolved
	}

	if h.hub.Online() {
		err := h.remote.UploadStory(c.Request.Context(), token, remote.StoryUpload{
			Description: request.Description,
			Photo:       photoBytes,
			Latitude:    request.Latitude,
			Longitude:   request.Longitude,
		})
		if err == nil {
			c.JSON(http.StatusCreated, gin.H{"status": "created"})
			return
		}
		if !remote.IsTransient(err) {
			h.respondRemoteError(c, err)
			return
		}
		h.logger.Info("live upload unavailable, queueing write", zap.Error(err))
	}

	queued, err := h.coordinator.Enqueue(c.Request.Context(), store.NewPendingWrite{
		Description:  request.Description,
		Photo:        photo,
		Latitude:     request.Latitude,
		Longitude:    request.Longitude,
		AuthSnapshot: token,
	})
	if err != nil {
		h.logger.Error("enqueue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "writeId": queued.WriteID})
}

type favoritePayload struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PhotoURL    string   `json:"photoUrl"`
	Latitude    *float64 `json:"lat"`
	Longitude   *float64 `json:"lon"`
	CreatedAt   string   `json:"createdAt"`
	FavoritedAt int64    `json:"favoritedAt"`
}

func favoriteToPayload(entry store.FavoriteEntry) favoritePayload {
	return favoritePayload{
		ID:          entry.StoryID,
		Name:        entry.Name,
		Description: entry.Description,
		PhotoURL:    entry.PhotoURL,
		Latitude:    entry.Latitude,
		Longitude:   entry.Longitude,
		CreatedAt:   entry.CreatedAt,
		FavoritedAt: entry.FavoritedAtSeconds,
	}
}

func favoritesToPayload(entries []store.FavoriteEntry) []favoritePayload {
	payloads := make([]favoritePayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, favoriteToPayload(entry))
	}
	return payloads
}

func (h *httpHandler) handleListFavorites(c *gin.Context) {
	query := store.FavoriteQuery{Descending: c.Query("order") == "desc"}
	switch c.Query("sort") {
	case "", string(store.FavoriteSortByFavoritedAt):
		query.SortBy = store.FavoriteSortByFavoritedAt
	case string(store.FavoriteSortByName):
		query.SortBy = store.FavoriteSortByName
	case string(store.FavoriteSortByCreatedAt):
		query.SortBy = store.FavoriteSortByCreatedAt
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sort"})
		return
	}

	entries, err := h.store.Favorites(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("favorites listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "favorites_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorites": favoritesToPayload(entries)})
}

func (h *httpHandler) handleSearchFavorites(c *gin.Context) {
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}

	entries, err := h.store.SearchFavorites(c.Request.Context(), term)
	if err != nil {
		h.logger.Error("favorites search failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "favorites_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"favorites": favoritesToPayload(entries)})
}

func (h *httpHandler) handleGetFavorite(c *gin.Context) {
	id, err := store.NewStoryID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_story_id"})
		return
	}

	entry, err := h.store.FavoriteByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("favorite lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "favorites_failed"})
		return
	}
	c.JSON(http.StatusOK, favoriteToPayload(entry))
}

func (h *httpHandler) handleAddFavorite(c *gin.Context) {
	var request favoritePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	id, err := store.NewStoryID(request.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_story_id"})
		return
	}

	entry, err := h.store.AddFavorite(c.Request.Context(), store.FavoriteInput{
		StoryID:     id,
		Name:        request.Name,
		Description: request.Description,
		PhotoURL:    request.PhotoURL,
		Latitude:    request.Latitude,
		Longitude:   request.Longitude,
		CreatedAt:   request.CreatedAt,
	})
	if err != nil {
		if errors.Is(err, store.ErrFavoriteExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_favorited"})
			return
		}
		h.logger.Error("favorite add failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "favorites_failed"})
		return
	}
	c.JSON(http.StatusCreated, favoriteToPayload(entry))
}

func (h *httpHandler) handleDeleteFavorite(c *gin.Context) {
	id, err := store.NewStoryID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_story_id"})
		return
	}

	if err := h.store.DeleteFavorite(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		h.logger.Error("favorite delete failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "favorites_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	stream, cleanup := h.events.Subscribe(c.Request.Context())
	defer cleanup()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// respondRemoteError maps the remote error taxonomy onto control API
// responses: rejections keep their status and message, transient failures
// become 503.
func (h *httpHandler) respondRemoteError(c *gin.Context, err error) {
	var rejected *remote.RejectedError
	if errors.As(err, &rejected) {
		status := rejected.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": "rejected", "message": rejected.Message})
		return
	}
	if remote.IsTransient(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
		return
	}
	h.logger.Error("remote call failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "remote_failed"})
}

// bearerToken extracts the credential relayed to the remote service. The
// agent never mints credentials of its own.
func (h *httpHandler) bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing or invalid"})
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing or invalid"})
		return "", false
	}
	return token, true
}
