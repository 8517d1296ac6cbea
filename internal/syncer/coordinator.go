package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/openrelief/fieldsync/internal/metrics"
	"github.com/openrelief/fieldsync/internal/queue"
	"go.uber.org/zap"
)

var (
	errMissingQueue  = errors.New("queue store is required")
	errMissingClient = errors.New("sync client is required")
	errMissingDevice = errors.New("device identity is required")
)

const defaultDisplayDelay = 3 * time.Second

// Client uploads one batch and returns the server's per-record verdicts.
type Client interface {
	UploadBatch(ctx context.Context, batch Batch) (BatchResult, error)
}

// DeviceIdentity supplies the stable device id and metadata for batches.
type DeviceIdentity interface {
	ResolveDeviceID() (string, error)
	Info() map[string]string
}

// CoordinatorConfig describes the dependencies of the sync coordinator.
type CoordinatorConfig struct {
	Queue        *queue.Store
	Client       Client
	Device       DeviceIdentity
	Logger       *zap.Logger
	Clock        func() time.Time
	DisplayDelay time.Duration
}

// Coordinator drains the durable queue into upload batches and reconciles
// the server's verdicts. It never mutates payloads; it only reads records
// and requests deletions once the server has confirmed receipt.
type Coordinator struct {
	queue        *queue.Store
	client       Client
	device       DeviceIdentity
	logger       *zap.Logger
	clock        func() time.Time
	displayDelay time.Duration

	// flight serializes sync attempts; TryLock gives the single-flight
	// guarantee without queueing concurrent callers.
	flight sync.Mutex

	stateMu     sync.RWMutex
	state       State
	lastOutcome Outcome
}

// NewCoordinator constructs the coordinator in the idle state.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	if cfg.Device == nil {
		return nil, errMissingDevice
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	delay := cfg.DisplayDelay
	if delay <= 0 {
		delay = defaultDisplayDelay
	}
	return &Coordinator{
		queue:        cfg.Queue,
		client:       cfg.Client,
		device:       cfg.Device,
		logger:       logger,
		clock:        clock,
		displayDelay: delay,
		state:        StateIdle,
	}, nil
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// LastOutcome reports the most recent terminal outcome.
func (c *Coordinator) LastOutcome() Outcome {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.lastOutcome
}

// TriggerSync runs one sync attempt. A concurrent call while an attempt is
// in flight returns ErrSyncInFlight; exactly one batch submission happens
// per drain of the queue.
func (c *Coordinator) TriggerSync(ctx context.Context) (Outcome, error) {
	if !c.flight.TryLock() {
		return Outcome{}, ErrSyncInFlight
	}
	defer c.flight.Unlock()

	c.setState(StateLoading)

	pending, err := c.queue.ListPending(ctx, "")
	if err != nil {
		c.finish(Outcome{Failed: true, FailureReason: "queue_unavailable"})
		return Outcome{}, err
	}
	if len(pending) == 0 {
		c.setState(StateIdle)
		outcome := Outcome{NothingToSync: true}
		c.rememberOutcome(outcome)
		return outcome, nil
	}

	deviceID, err := c.device.ResolveDeviceID()
	if err != nil {
		c.finish(Outcome{Failed: true, FailureReason: "device_identity_unavailable"})
		return Outcome{}, err
	}

	batch := Batch{
		Records:    make([]BatchRecord, 0, len(pending)),
		DeviceID:   deviceID,
		DeviceInfo: c.device.Info(),
	}
	for _, record := range pending {
		batch.Records = append(batch.Records, BatchRecord{
			OfflineID:  record.OfflineID,
			RecordKind: record.Kind.String(),
			Payload:    json.RawMessage(record.PayloadJSON),
			CreatedAt:  record.CreatedAtSecond,
		})
	}

	c.setState(StateUploading)
	result, err := c.client.UploadBatch(ctx, batch)
	if err != nil {
		// No queue mutation on transport or shape failures: the whole
		// batch remains pending for a later attempt.
		reason := "transport_failure"
		if errors.Is(err, ErrMalformedResponse) {
			reason = "malformed_response"
		}
		c.logger.Warn("sync upload failed",
			zap.String("reason", reason),
			zap.Int("batch_size", len(batch.Records)),
			zap.Error(err))
		metrics.SyncAttemptsTotal.WithLabelValues("failed").Inc()
		outcome := Outcome{Failed: true, FailureReason: reason}
		outcome.Pending = c.pendingCount(ctx)
		c.finish(outcome)
		return outcome, nil
	}

	c.setState(StateReconciling)
	outcome := c.reconcile(ctx, result)
	outcome.Pending = c.pendingCount(ctx)

	switch {
	case outcome.Rejected > 0:
		metrics.SyncAttemptsTotal.WithLabelValues("partially_failed").Inc()
		c.finishIn(StatePartiallyFailed, outcome)
	default:
		metrics.SyncAttemptsTotal.WithLabelValues("succeeded").Inc()
		c.finishIn(StateSucceeded, outcome)
	}
	return outcome, nil
}

// reconcile applies per-record verdicts. Accepted and duplicate ids are both
// "the server already has this" and are deleted; rejected records stay
// pending with their reasons attached for display. A failure on one record
// never aborts processing of the rest.
func (c *Coordinator) reconcile(ctx context.Context, result BatchResult) Outcome {
	outcome := Outcome{}
	retire := make([]string, 0, len(result.Accepted)+len(result.Duplicates))
	retire = append(retire, result.Accepted...)
	retire = append(retire, result.Duplicates...)

	for _, offlineID := range retire {
		if err := c.queue.Delete(ctx, offlineID); err != nil {
			// Record stays queued; delivery is at-least-once and the
			// server dedups on offlineId, so a later resubmission is safe.
			c.logger.Warn("failed to retire confirmed record",
				zap.String("offline_id", offlineID),
				zap.Error(err))
			continue
		}
		outcome.Succeeded++
	}

	for _, rejection := range result.Rejected {
		c.logger.Warn("record rejected by server",
			zap.String("offline_id", rejection.OfflineID),
			zap.String("reason", rejection.Reason))
		outcome.Rejected++
		outcome.Reasons = append(outcome.Reasons, rejection)
	}
	return outcome
}

func (c *Coordinator) pendingCount(ctx context.Context) int64 {
	count, err := c.queue.CountPending(ctx, "")
	if err != nil {
		c.logger.Warn("failed to recount pending records", zap.Error(err))
		return -1
	}
	metrics.PendingRecords.Set(float64(count))
	return count
}

func (c *Coordinator) setState(state State) {
	c.stateMu.Lock()
	c.state = state
	c.stateMu.Unlock()
}

func (c *Coordinator) rememberOutcome(outcome Outcome) {
	c.stateMu.Lock()
	c.lastOutcome = outcome
	c.stateMu.Unlock()
}

func (c *Coordinator) finish(outcome Outcome) {
	c.finishIn(StateFailed, outcome)
}

// finishIn records the terminal state and schedules the return to idle after
// the display delay, unless a newer attempt has already moved the state on.
func (c *Coordinator) finishIn(state State, outcome Outcome) {
	c.stateMu.Lock()
	c.state = state
	c.lastOutcome = outcome
	c.stateMu.Unlock()

	time.AfterFunc(c.displayDelay, func() {
		c.stateMu.Lock()
		if c.state == state {
			c.state = StateIdle
		}
		c.stateMu.Unlock()
	})
}
