package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/openrelief/fieldsync/internal/bridge"
	"github.com/openrelief/fieldsync/internal/metrics"
	"github.com/openrelief/fieldsync/internal/queue"
	"github.com/openrelief/fieldsync/internal/syncer"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	errMissingQueueStore  = errors.New("queue store dependency required")
	errMissingCoordinator = errors.New("sync coordinator dependency required")
	errMissingDispatcher  = errors.New("message dispatcher dependency required")
	errMissingInterceptor = errors.New("interceptor dependency required")
)

// ConnectivityReader exposes the observable reachability flag.
type ConnectivityReader interface {
	IsOnline() bool
}

// Dependencies wires the control surface.
type Dependencies struct {
	Queue             *queue.Store
	Coordinator       *syncer.Coordinator
	Monitor           ConnectivityReader
	Bridge            *bridge.Dispatcher
	Interceptor       http.Handler
	RejectedRetention time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the gin router: the control API under /api, the
// prometheus endpoint, and the interceptor as the catch-all proxy lane.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Queue == nil {
		return nil, errMissingQueueStore
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Bridge == nil {
		return nil, errMissingDispatcher
	}
	if deps.Interceptor == nil {
		return nil, errMissingInterceptor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		queue:             deps.Queue,
		coordinator:       deps.Coordinator,
		monitor:           deps.Monitor,
		bridge:            deps.Bridge,
		rejectedRetention: deps.RejectedRetention,
		logger:            logger,
	}

	api := router.Group("/api")
	api.GET("/sync/status", handler.handleSyncStatus)
	api.POST("/sync/trigger", handler.handleSyncTrigger)
	api.GET("/queue/pending", handler.handleListPending)
	api.POST("/queue", handler.handleEnqueue)
	api.POST("/queue/purge", handler.handlePurge)
	api.POST("/cache/clear", handler.handleCacheClear)
	api.POST("/cache/warm", handler.handleCacheWarm)
	api.POST("/worker/activate", handler.handleActivate)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.NoRoute(gin.WrapH(deps.Interceptor))

	return router, nil
}

type httpHandler struct {
	queue             *queue.Store
	coordinator       *syncer.Coordinator
	monitor           ConnectivityReader
	bridge            *bridge.Dispatcher
	rejectedRetention time.Duration
	logger            *zap.Logger
}

type statusResponsePayload struct {
	State       syncer.State     `json:"state"`
	Online      bool             `json:"online"`
	Pending     map[string]int64 `json:"pending"`
	LastOutcome syncer.Outcome   `json:"last_outcome"`
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	pending := map[string]int64{}
	total := int64(0)
	for _, kind := range []queue.RecordKind{
		queue.KindBeneficiaryRegistration,
		queue.KindAidDistribution,
		queue.KindLossReport,
	} {
		count, err := h.queue.CountPending(c.Request.Context(), kind)
		if err != nil {
			h.logger.Error("failed to count pending records", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "count_failed"})
			return
		}
		pending[kind.String()] = count
		total += count
	}
	pending["total"] = total
	metrics.PendingRecords.Set(float64(total))

	online := false
	if h.monitor != nil {
		online = h.monitor.IsOnline()
	}

	c.JSON(http.StatusOK, statusResponsePayload{
		State:       h.coordinator.State(),
		Online:      online,
		Pending:     pending,
		LastOutcome: h.coordinator.LastOutcome(),
	})
}

func (h *httpHandler) handleSyncTrigger(c *gin.Context) {
	outcome, err := h.coordinator.TriggerSync(c.Request.Context())
	if errors.Is(err, syncer.ErrSyncInFlight) {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_flight"})
		return
	}
	if err != nil {
		h.logger.Error("sync trigger failed", zap.Error(err))
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

type enqueueRequestPayload struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	offlineID, err := h.queue.Enqueue(c.Request.Context(), request.Kind, string(request.Payload))
	if errors.Is(err, queue.ErrUnknownKind) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_kind"})
		return
	}
	if err != nil {
		h.logger.Error("enqueue failed", zap.Error(err))
		respondStoreError(c, err)
		return
	}

	if count, countErr := h.queue.CountPending(c.Request.Context(), ""); countErr == nil {
		metrics.PendingRecords.Set(float64(count))
	}
	c.JSON(http.StatusCreated, gin.H{"offline_id": offlineID})
}

type pendingRecordPayload struct {
	LocalKey  int64           `json:"local_key"`
	OfflineID string          `json:"offline_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at_s"`
}

func (h *httpHandler) handleListPending(c *gin.Context) {
	kindFilter := queue.RecordKind("")
	if raw := c.Query("kind"); raw != "" {
		kind, err := queue.ParseRecordKind(raw)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_kind"})
			return
		}
		kindFilter = kind
	}

	records, err := h.queue.ListPending(c.Request.Context(), kindFilter)
	if err != nil {
		h.logger.Error("failed to list pending records", zap.Error(err))
		respondStoreError(c, err)
		return
	}

	payload := make([]pendingRecordPayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, pendingRecordPayload{
			LocalKey:  record.LocalKey,
			OfflineID: record.OfflineID,
			Kind:      record.Kind.String(),
			Payload:   json.RawMessage(record.PayloadJSON),
			CreatedAt: record.CreatedAtSecond,
		})
	}
	c.JSON(http.StatusOK, gin.H{"records": payload})
}

func (h *httpHandler) handlePurge(c *gin.Context) {
	removed, err := h.queue.PurgeSynced(c.Request.Context())
	if err != nil {
		h.logger.Error("purge failed", zap.Error(err))
		respondStoreError(c, err)
		return
	}

	stale := int64(0)
	if c.Query("stale") == "true" && h.rejectedRetention > 0 {
		stale, err = h.queue.PurgeStalePending(c.Request.Context(), h.rejectedRetention)
		if err != nil {
			h.logger.Error("stale purge failed", zap.Error(err))
			respondStoreError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"purged_synced": removed, "purged_stale": stale})
}

func (h *httpHandler) handleCacheClear(c *gin.Context) {
	h.bridge.Publish(bridge.Message{Type: bridge.MessageTypeClearCache})
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

type cacheWarmRequestPayload struct {
	URLs []string `json:"urls"`
}

func (h *httpHandler) handleCacheWarm(c *gin.Context) {
	var request cacheWarmRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.URLs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.bridge.Publish(bridge.Message{
		Type: bridge.MessageTypeCacheURLs,
		URLs: request.URLs,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func (h *httpHandler) handleActivate(c *gin.Context) {
	h.bridge.Publish(bridge.Message{Type: bridge.MessageTypeSkipWaiting})
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func respondStoreError(c *gin.Context, err error) {
	var storeErr *queue.StoreError
	if errors.As(err, &storeErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failure", "code": storeErr.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}
