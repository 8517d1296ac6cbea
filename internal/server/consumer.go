package server

import (
	"context"
	"errors"
	"strings"

	"github.com/openrelief/fieldsync/internal/bridge"
	"github.com/openrelief/fieldsync/internal/metrics"
	"github.com/openrelief/fieldsync/internal/queue"
	"go.uber.org/zap"
)

// endpointKinds maps mutation endpoint segments to queue record kinds. The
// closed kind set holds at the enqueue boundary: anything unmappable is
// dropped, not discovered later at sync time.
var endpointKinds = map[string]queue.RecordKind{
	"beneficiaries": queue.KindBeneficiaryRegistration,
	"distributions": queue.KindAidDistribution,
	"losses":        queue.KindLossReport,
}

// ConsumerConfig describes the deferred-request consumer's dependencies.
type ConsumerConfig struct {
	Queue     *queue.Store
	Bridge    *bridge.Dispatcher
	APIPrefix string
	Logger    *zap.Logger
}

// Consumer is the application-context end of the bridge: it receives
// QUEUE_REQUEST messages from the interception context and persists them
// into the durable queue, which it alone owns.
type Consumer struct {
	queue     *queue.Store
	bridge    *bridge.Dispatcher
	apiPrefix string
	logger    *zap.Logger
}

// NewConsumer constructs the consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueueStore
	}
	if cfg.Bridge == nil {
		return nil, errMissingDispatcher
	}
	apiPrefix := cfg.APIPrefix
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:     cfg.Queue,
		bridge:    cfg.Bridge,
		apiPrefix: apiPrefix,
		logger:    logger,
	}, nil
}

// Run consumes bridge messages until the context is done.
func (c *Consumer) Run(ctx context.Context) {
	stream, cleanup := c.bridge.Subscribe(ctx)
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.handleMessage(ctx, message)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, message bridge.Message) {
	switch message.Type {
	case bridge.MessageTypeQueueRequest:
		c.persistDeferred(ctx, message.Request)
	case bridge.MessageTypeSyncRequired:
		if count, err := c.queue.CountPending(ctx, ""); err == nil {
			metrics.PendingRecords.Set(float64(count))
		}
	case bridge.MessageTypeSkipWaiting, bridge.MessageTypeClearCache, bridge.MessageTypeCacheURLs:
		// Interception-context commands; not addressed to the application.
	default:
		c.logger.Warn("unrecognized bridge message ignored",
			zap.String("type", string(message.Type)))
	}
}

func (c *Consumer) persistDeferred(ctx context.Context, request *bridge.QueuedRequest) {
	if request == nil {
		c.logger.Warn("queue request message missing payload")
		return
	}
	kind, ok := c.kindForEndpoint(request.URL)
	if !ok {
		c.logger.Warn("deferred mutation dropped: no record kind for endpoint",
			zap.String("url", request.URL),
			zap.String("method", request.Method))
		return
	}

	payload := string(request.Body)
	if payload == "" {
		payload = "null"
	}
	offlineID, err := c.queue.Enqueue(ctx, kind.String(), payload)
	if err != nil {
		if errors.Is(err, queue.ErrStorageFailure) {
			c.logger.Error("could not save deferred mutation locally",
				zap.String("url", request.URL),
				zap.Error(err))
			return
		}
		c.logger.Error("deferred mutation rejected",
			zap.String("url", request.URL),
			zap.Error(err))
		return
	}

	if count, countErr := c.queue.CountPending(ctx, ""); countErr == nil {
		metrics.PendingRecords.Set(float64(count))
	}
	c.logger.Info("deferred mutation queued",
		zap.String("offline_id", offlineID),
		zap.String("kind", kind.String()))
}

func (c *Consumer) kindForEndpoint(rawURL string) (queue.RecordKind, bool) {
	path := rawURL
	if idx := strings.Index(path, "?"); idx >= 0 {
		path = path[:idx]
	}
	if !strings.HasPrefix(path, c.apiPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(path, c.apiPrefix)
	segment := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		segment = rest[:idx]
	}
	kind, ok := endpointKinds[segment]
	return kind, ok
}
