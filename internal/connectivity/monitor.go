package connectivity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openrelief/fieldsync/internal/bridge"
	"github.com/openrelief/fieldsync/internal/syncer"
	"go.uber.org/zap"
)

const defaultProbeInterval = 15 * time.Second

var errMissingProbeURL = errors.New("probe url is required")

// SyncTrigger starts a sync attempt. The monitor tolerates ErrSyncInFlight:
// an attempt already running satisfies the reconnect policy.
type SyncTrigger interface {
	TriggerSync(ctx context.Context) (syncer.Outcome, error)
}

// MonitorConfig describes the monitor's dependencies.
type MonitorConfig struct {
	ProbeURL   string
	HTTPClient *http.Client
	Interval   time.Duration
	Bridge     *bridge.Dispatcher
	Syncer     SyncTrigger
	AutoSync   bool
	Logger     *zap.Logger
}

// Monitor maintains an observable reachability flag, probing the backend on
// an interval. On the offline→online transition it publishes SYNC_REQUIRED
// and, when auto-sync is enabled, triggers a sync attempt.
type Monitor struct {
	probeURL   string
	httpClient *http.Client
	interval   time.Duration
	bridge     *bridge.Dispatcher
	syncer     SyncTrigger
	autoSync   bool
	logger     *zap.Logger

	mu     sync.RWMutex
	online bool
	known  bool
}

// NewMonitor constructs the monitor in an unknown (treated offline) state.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if strings.TrimSpace(cfg.ProbeURL) == "" {
		return nil, errMissingProbeURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		probeURL:   cfg.ProbeURL,
		httpClient: httpClient,
		interval:   interval,
		bridge:     cfg.Bridge,
		syncer:     cfg.Syncer,
		autoSync:   cfg.AutoSync,
		logger:     logger,
	}, nil
}

// IsOnline reports the last observed reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Run probes until the context is done.
func (m *Monitor) Run(ctx context.Context) {
	m.SetOnline(ctx, m.probe(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(ctx, m.probe(ctx))
		}
	}
}

// SetOnline records a reachability observation and fires transition actions.
// Exposed so platform signals or tests can push observations directly.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	previous, known := m.online, m.known
	m.online = online
	m.known = true
	m.mu.Unlock()

	if known && previous == online {
		return
	}
	if online {
		m.handleReconnect(ctx)
	} else {
		// In-flight syncs fail naturally via transport failure; nothing
		// to cancel.
		m.logger.Info("connectivity lost")
	}
}

func (m *Monitor) handleReconnect(ctx context.Context) {
	m.logger.Info("connectivity restored")
	if m.bridge != nil {
		m.bridge.Publish(bridge.Message{
			Type: bridge.MessageTypeSyncRequired,
			Note: "connectivity restored",
		})
	}
	if !m.autoSync || m.syncer == nil {
		return
	}
	go func() {
		if _, err := m.syncer.TriggerSync(ctx); err != nil && !errors.Is(err, syncer.ErrSyncInFlight) {
			m.logger.Warn("auto sync failed to start", zap.Error(err))
		}
	}()
}

func (m *Monitor) probe(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	response, err := m.httpClient.Do(request)
	if err != nil {
		return false
	}
	_ = response.Body.Close()
	return response.StatusCode < http.StatusInternalServerError
}
