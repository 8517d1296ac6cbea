package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openrelief/fieldsync/internal/bridge"
	"github.com/openrelief/fieldsync/internal/cache"
	"github.com/openrelief/fieldsync/internal/metrics"
	"go.uber.org/zap"
)

// Lane is the classification bucket a request is sorted into before a
// caching or queuing strategy is chosen.
type Lane string

const (
	// LaneMutation is a non-idempotent API call: attempt, then defer.
	LaneMutation Lane = "mutation"
	// LaneAPIRead is an idempotent API read: network-first, cache fallback.
	LaneAPIRead Lane = "api_read"
	// LaneAsset is same-origin static traffic: cache-first.
	LaneAsset Lane = "asset"
	// LanePassthrough is cross-origin or dev-tooling traffic, untouched.
	LanePassthrough Lane = "passthrough"
)

const rootDocumentPath = "/"

var devToolingPrefixes = []string{"/sockjs-node", "/@vite", "/__webpack"}

var (
	errMissingRemote = errors.New("remote base url is required")
	errMissingCache  = errors.New("response cache is required")
	errMissingBridge = errors.New("message dispatcher is required")
)

// Config describes the interceptor's dependencies.
type Config struct {
	RemoteBaseURL      string
	APIPrefix          string
	Cache              *cache.Store
	Bridge             *bridge.Dispatcher
	HTTPClient         *http.Client
	Logger             *zap.Logger
	OfflinePlaceholder []byte
}

// Interceptor sits between the application and the network. It classifies
// every request into a lane and applies the matching strategy, making the
// application appear to work while disconnected. It exclusively owns the
// response cache; the application reaches it only through bridge commands.
type Interceptor struct {
	remote      *url.URL
	apiPrefix   string
	cache       *cache.Store
	bridge      *bridge.Dispatcher
	httpClient  *http.Client
	logger      *zap.Logger
	placeholder []byte
}

// New constructs the interceptor.
func New(cfg Config) (*Interceptor, error) {
	if strings.TrimSpace(cfg.RemoteBaseURL) == "" {
		return nil, errMissingRemote
	}
	remote, err := url.Parse(strings.TrimRight(cfg.RemoteBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote base url: %w", err)
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Bridge == nil {
		return nil, errMissingBridge
	}
	apiPrefix := cfg.APIPrefix
	if apiPrefix == "" {
		apiPrefix = "/api/"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		remote:      remote,
		apiPrefix:   apiPrefix,
		cache:       cfg.Cache,
		bridge:      cfg.Bridge,
		httpClient:  httpClient,
		logger:      logger,
		placeholder: cfg.OfflinePlaceholder,
	}, nil
}

// Activate purges cache namespaces from prior versions. Runs at startup and
// again on SKIP_WAITING, taking effect immediately.
func (i *Interceptor) Activate(ctx context.Context) error {
	_, err := i.cache.ActivateVersion(ctx)
	return err
}

// Classify sorts a request into its lane, in priority order.
func (i *Interceptor) Classify(r *http.Request) Lane {
	if i.isPassthrough(r) {
		return LanePassthrough
	}
	isAPI := strings.HasPrefix(r.URL.Path, i.apiPrefix)
	switch {
	case isAPI && r.Method != http.MethodGet && r.Method != http.MethodHead:
		return LaneMutation
	case isAPI:
		return LaneAPIRead
	default:
		return LaneAsset
	}
}

func (i *Interceptor) isPassthrough(r *http.Request) bool {
	if r.URL.IsAbs() && r.URL.Host != i.remote.Host {
		return true
	}
	for _, prefix := range devToolingPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch i.Classify(r) {
	case LaneMutation:
		i.serveMutation(w, r)
	case LaneAPIRead:
		i.serveAPIRead(w, r)
	case LaneAsset:
		i.serveAsset(w, r)
	default:
		i.servePassthrough(w, r)
	}
}

// serveAsset is cache-first: a hit never touches the network. Misses are
// fetched and stored; a network failure falls back to the offline
// placeholder, or a synthetic 503 when none is configured. Navigation
// requests fall back to the cached root document instead, so a disconnected
// reload still yields a usable shell.
func (i *Interceptor) serveAsset(w http.ResponseWriter, r *http.Request) {
	requestURL := r.URL.RequestURI()
	if r.Method == http.MethodGet {
		if cached, err := i.cache.Get(r.Context(), r.Method, requestURL); err == nil {
			metrics.CacheEventsTotal.WithLabelValues("hit").Inc()
			writeCached(w, cached)
			return
		}
		metrics.CacheEventsTotal.WithLabelValues("miss").Inc()
	}

	status, header, body, err := i.forward(r, nil)
	if err != nil {
		if isNavigation(r) {
			if cached, cacheErr := i.cache.Get(r.Context(), http.MethodGet, rootDocumentPath); cacheErr == nil {
				writeCached(w, cached)
				return
			}
		}
		if len(i.placeholder) > 0 {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(i.placeholder)
			return
		}
		writeSynthetic503(w, false)
		return
	}

	if r.Method == http.MethodGet && status >= 200 && status <= 299 {
		if err := i.cache.Put(r.Context(), r.Method, requestURL, status, header, body); err != nil {
			// Cache failures degrade to serving live, never to failing
			// the request.
			i.logger.Warn("asset cache write failed",
				zap.String("url", requestURL),
				zap.Error(err))
		}
	}
	writeForwarded(w, status, header, body)
}

// serveAPIRead is network-first: the live response refreshes the cache; on
// network failure the most recent cached response is served, else a
// synthetic offline 503.
func (i *Interceptor) serveAPIRead(w http.ResponseWriter, r *http.Request) {
	requestURL := r.URL.RequestURI()
	status, header, body, err := i.forward(r, nil)
	if err != nil {
		if cached, cacheErr := i.cache.Get(r.Context(), http.MethodGet, requestURL); cacheErr == nil {
			metrics.CacheEventsTotal.WithLabelValues("stale_hit").Inc()
			writeCached(w, cached)
			return
		}
		writeSynthetic503(w, false)
		return
	}

	if r.Method == http.MethodGet && status >= 200 && status <= 299 {
		if err := i.cache.Put(r.Context(), http.MethodGet, requestURL, status, header, body); err != nil {
			i.logger.Warn("api read cache refresh failed",
				zap.String("url", requestURL),
				zap.Error(err))
		}
	}
	writeForwarded(w, status, header, body)
}

// serveMutation attempts the network and, on transport failure, extracts the
// request tuple, broadcasts QUEUE_REQUEST, and answers a synthetic 503 with
// queued:true so the UI reacts without waiting for the message round-trip.
// Mutations are never cached.
func (i *Interceptor) serveMutation(w http.ResponseWriter, r *http.Request) {
	rawBody, readErr := io.ReadAll(r.Body)
	if readErr != nil {
		rawBody = nil
	}

	status, header, body, err := i.forward(r, rawBody)
	if err == nil {
		writeForwarded(w, status, header, body)
		return
	}

	queued := i.extractRequest(r, rawBody)
	i.bridge.Publish(bridge.Message{
		Type:    bridge.MessageTypeQueueRequest,
		Request: &queued,
	})
	metrics.QueuedMutationsTotal.Inc()
	i.logger.Info("mutation deferred to queue",
		zap.String("method", r.Method),
		zap.String("url", queued.URL))
	writeSynthetic503(w, true)
}

func (i *Interceptor) servePassthrough(w http.ResponseWriter, r *http.Request) {
	status, header, body, err := i.forward(r, nil)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}
	writeForwarded(w, status, header, body)
}

// extractRequest decodes the failed mutation into the bridge tuple. JSON
// bodies are parsed, text and form bodies carried as raw text; extraction
// failures are swallowed, leaving a null body rather than aborting the
// deferral.
func (i *Interceptor) extractRequest(r *http.Request, rawBody []byte) bridge.QueuedRequest {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	queued := bridge.QueuedRequest{
		URL:     r.URL.RequestURI(),
		Method:  r.Method,
		Headers: headers,
		Body:    json.RawMessage("null"),
	}
	if len(rawBody) == 0 {
		return queued
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		if json.Valid(rawBody) {
			queued.Body = json.RawMessage(rawBody)
		}
	case strings.Contains(contentType, "text/"),
		strings.Contains(contentType, "application/x-www-form-urlencoded"):
		if encoded, err := json.Marshal(string(rawBody)); err == nil {
			queued.Body = json.RawMessage(encoded)
		}
	}
	return queued
}

// forward replays the request against the remote origin within the bounded
// client timeout and returns the buffered response.
func (i *Interceptor) forward(r *http.Request, rawBody []byte) (int, http.Header, []byte, error) {
	target := *i.remote
	target.Path = singleJoin(i.remote.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var bodyReader io.Reader
	if rawBody != nil {
		bodyReader = bytes.NewReader(rawBody)
	} else if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		bodyReader = r.Body
	}

	request, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bodyReader)
	if err != nil {
		return 0, nil, nil, err
	}
	for name, values := range r.Header {
		for _, value := range values {
			request.Header.Add(name, value)
		}
	}

	response, err := i.httpClient.Do(request)
	if err != nil {
		return 0, nil, nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return response.StatusCode, response.Header, body, nil
}

func isNavigation(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.Contains(r.Header.Get("Accept"), "text/html")
}

func singleJoin(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func writeCached(w http.ResponseWriter, cached cache.CachedResponse) {
	for name, values := range cached.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.Header().Set("X-Fieldsync-Cache", "hit")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

func writeForwarded(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for name, values := range header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeSynthetic503(w http.ResponseWriter, queued bool) {
	payload := map[string]any{
		"success": false,
		"offline": true,
	}
	if queued {
		payload["queued"] = true
	}
	body, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(body)
}
