package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew     = "queue.store.new"
	opEnqueue      = "queue.enqueue"
	opListPending  = "queue.list_pending"
	opMarkSynced   = "queue.mark_synced"
	opDelete       = "queue.delete"
	opPurgeSynced  = "queue.purge_synced"
	opPurgeStale   = "queue.purge_stale"
	opCountPending = "queue.count_pending"
)

// StoreError carries a stable operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func storageFailure(operation string, cause error) error {
	return newStoreError(operation, "storage_failure", fmt.Errorf("%w: %v", ErrStorageFailure, cause))
}

// IDProvider generates offline ids for newly enqueued records.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies required by the queue store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable queue of pending mutation records. It exclusively owns
// the record lifecycle; the sync coordinator only reads and requests deletions.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs the queue store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Enqueue persists a new pending record and returns its offline id. The write
// is atomic: either the full record is durable or the call fails.
func (s *Store) Enqueue(ctx context.Context, rawKind string, payloadJSON string) (string, error) {
	kind, err := ParseRecordKind(rawKind)
	if err != nil {
		return "", newStoreError(opEnqueue, "unknown_kind", err)
	}

	offlineID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnqueue, "id_generation_failed", err)
		return "", newStoreError(opEnqueue, "id_generation_failed", err)
	}

	record := Record{
		OfflineID:       offlineID,
		Kind:            kind,
		PayloadJSON:     payloadJSON,
		Status:          StatusPending,
		CreatedAtSecond: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opEnqueue, "storage_failure", err, zap.String("kind", kind.String()))
		return "", storageFailure(opEnqueue, err)
	}

	return offlineID, nil
}

// ListPending returns all pending records in insertion order, optionally
// filtered by kind. The empty kind matches everything.
func (s *Store) ListPending(ctx context.Context, kindFilter RecordKind) ([]Record, error) {
	query := s.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("local_key ASC")
	if kindFilter != "" {
		query = query.Where("kind = ?", kindFilter)
	}

	var records []Record
	if err := query.Find(&records).Error; err != nil {
		s.logError(opListPending, "storage_failure", err)
		return nil, storageFailure(opListPending, err)
	}
	return records, nil
}

// MarkSynced transitions a record pending→synced. The transition happens at
// most once; a missing record reports ErrRecordNotFound.
func (s *Store) MarkSynced(ctx context.Context, offlineID string) error {
	syncedAt := s.clock().UTC().Unix()
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("offline_id = ?", offlineID).
		Updates(map[string]interface{}{
			"status":      StatusSynced,
			"synced_at_s": syncedAt,
		})
	if result.Error != nil {
		s.logError(opMarkSynced, "storage_failure", result.Error, zap.String("offline_id", offlineID))
		return storageFailure(opMarkSynced, result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Warn("mark synced on missing record",
			zap.String("operation", opMarkSynced),
			zap.String("offline_id", offlineID))
		return newStoreError(opMarkSynced, "record_not_found", ErrRecordNotFound)
	}
	return nil
}

// Delete removes a record by offline id. Deleting a record that no longer
// exists is a no-op: the desired end state is already achieved.
func (s *Store) Delete(ctx context.Context, offlineID string) error {
	if err := s.db.WithContext(ctx).
		Where("offline_id = ?", offlineID).
		Delete(&Record{}).Error; err != nil {
		s.logError(opDelete, "storage_failure", err, zap.String("offline_id", offlineID))
		return storageFailure(opDelete, err)
	}
	return nil
}

// PurgeSynced removes all synced records and returns the count removed.
func (s *Store) PurgeSynced(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("status = ?", StatusSynced).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opPurgeSynced, "storage_failure", result.Error)
		return 0, storageFailure(opPurgeSynced, result.Error)
	}
	return result.RowsAffected, nil
}

// PurgeStalePending removes pending records older than the retention window.
// A zero or negative window keeps rejected records forever.
func (s *Store) PurgeStalePending(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.clock().UTC().Add(-retention).Unix()
	result := s.db.WithContext(ctx).
		Where("status = ? AND created_at_s < ?", StatusPending, cutoff).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opPurgeStale, "storage_failure", result.Error)
		return 0, storageFailure(opPurgeStale, result.Error)
	}
	return result.RowsAffected, nil
}

// CountPending reports the number of pending records without loading payloads.
func (s *Store) CountPending(ctx context.Context, kindFilter RecordKind) (int64, error) {
	query := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("status = ?", StatusPending)
	if kindFilter != "" {
		query = query.Where("kind = ?", kindFilter)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		s.logError(opCountPending, "storage_failure", err)
		return 0, storageFailure(opCountPending, err)
	}
	return count, nil
}

// FindByOfflineID looks up a single record.
func (s *Store) FindByOfflineID(ctx context.Context, offlineID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("offline_id = ?", offlineID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, newStoreError(opListPending, "record_not_found", ErrRecordNotFound)
	}
	if err != nil {
		return Record{}, storageFailure(opListPending, err)
	}
	return record, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("queue store error", attrs...)
}
