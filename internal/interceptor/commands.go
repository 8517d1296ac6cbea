package interceptor

import (
	"context"
	"net/http"

	"github.com/openrelief/fieldsync/internal/bridge"
	"go.uber.org/zap"
)

// Run consumes control commands from the application context until the
// context is done. Unknown message types are logged and ignored, never fatal.
func (i *Interceptor) Run(ctx context.Context) {
	stream, cleanup := i.bridge.Subscribe(ctx)
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			i.handleCommand(ctx, message)
		}
	}
}

func (i *Interceptor) handleCommand(ctx context.Context, message bridge.Message) {
	switch message.Type {
	case bridge.MessageTypeSkipWaiting:
		if err := i.Activate(ctx); err != nil {
			i.logger.Error("forced activation failed", zap.Error(err))
			return
		}
		i.logger.Info("interceptor activated", zap.String("namespace", i.cache.Namespace()))
	case bridge.MessageTypeClearCache:
		if err := i.cache.Clear(ctx); err != nil {
			i.logger.Error("cache clear failed", zap.Error(err))
			return
		}
		i.logger.Info("response cache cleared")
	case bridge.MessageTypeCacheURLs:
		i.Warm(ctx, message.URLs)
	case bridge.MessageTypeQueueRequest, bridge.MessageTypeSyncRequired:
		// Application-context traffic; not addressed to the interceptor.
	default:
		i.logger.Warn("unrecognized bridge message ignored",
			zap.String("type", string(message.Type)))
	}
}

// Warm pre-fetches the given URLs into the current cache namespace. Failures
// on individual URLs are logged and skipped.
func (i *Interceptor) Warm(ctx context.Context, urls []string) {
	for _, rawURL := range urls {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			i.logger.Warn("cache warm skipped invalid url", zap.String("url", rawURL))
			continue
		}
		status, header, body, err := i.forward(request, nil)
		if err != nil || status < 200 || status > 299 {
			i.logger.Warn("cache warm fetch failed",
				zap.String("url", rawURL),
				zap.Int("status", status),
				zap.Error(err))
			continue
		}
		if err := i.cache.Put(ctx, http.MethodGet, request.URL.RequestURI(), status, header, body); err != nil {
			i.logger.Warn("cache warm store failed",
				zap.String("url", rawURL),
				zap.Error(err))
		}
	}
}
