package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingNamespace = errors.New("cache namespace is required")

	// ErrEntryNotFound indicates no cached response exists for the request
	// identity in the active namespace.
	ErrEntryNotFound = errors.New("cache: entry not found")
)

// CachedResponse is the materialized form handed back to the interceptor.
type CachedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// StoreConfig describes the dependencies of the response cache.
type StoreConfig struct {
	Database  *gorm.DB
	Namespace string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store is the content-addressed response cache. It is exclusively owned by
// the interception context; the application only sends control commands.
type Store struct {
	db        *gorm.DB
	namespace string
	clock     func() time.Time
	logger    *zap.Logger
}

// NewStore constructs a cache store bound to one version namespace.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		return nil, errMissingNamespace
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        cfg.Database,
		namespace: cfg.Namespace,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Namespace reports the active version namespace.
func (s *Store) Namespace() string {
	return s.namespace
}

// Key normalizes a request into its cache identity. Only GETs are cacheable.
func Key(method, url string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(url)
}

// Put stores or refreshes the response for the request identity in the
// active namespace.
func (s *Store) Put(ctx context.Context, method, url string, statusCode int, header http.Header, body []byte) error {
	headerJSON, err := json.Marshal(flattenHeader(header))
	if err != nil {
		return fmt.Errorf("cache: encode header: %w", err)
	}
	entry := Entry{
		Namespace:   s.namespace,
		RequestKey:  Key(method, url),
		StatusCode:  statusCode,
		HeaderJSON:  string(headerJSON),
		Body:        body,
		StoredAtSec: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "request_key"}},
			UpdateAll: true,
		}).
		Create(&entry).Error
}

// Get returns the most recent cached response for the request identity.
func (s *Store) Get(ctx context.Context, method, url string) (CachedResponse, error) {
	var entry Entry
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND request_key = ?", s.namespace, Key(method, url)).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CachedResponse{}, ErrEntryNotFound
	}
	if err != nil {
		return CachedResponse{}, err
	}

	var flat map[string]string
	if err := json.Unmarshal([]byte(entry.HeaderJSON), &flat); err != nil {
		return CachedResponse{}, fmt.Errorf("cache: decode header: %w", err)
	}
	header := http.Header{}
	for name, value := range flat {
		header.Set(name, value)
	}
	return CachedResponse{
		StatusCode: entry.StatusCode,
		Header:     header,
		Body:       entry.Body,
		StoredAt:   time.Unix(entry.StoredAtSec, 0).UTC(),
	}, nil
}

// ActivateVersion purges every namespace that does not match the active tag.
// The purge is a single transaction: stale entries vanish wholesale, never
// partially.
func (s *Store) ActivateVersion(ctx context.Context) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("namespace <> ?", s.namespace).Delete(&Entry{})
		if result.Error != nil {
			return result.Error
		}
		removed = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("stale cache namespaces purged",
			zap.String("active_namespace", s.namespace),
			zap.Int64("entries_removed", removed))
	}
	return removed, nil
}

// Clear drops every entry across all namespaces.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Where("1 = 1").
		Delete(&Entry{}).Error
}

// Count reports the number of entries in the active namespace.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("namespace = ?", s.namespace).
		Count(&count).Error
	return count, err
}

func flattenHeader(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for name, values := range header {
		if len(values) > 0 {
			flat[name] = values[0]
		}
	}
	return flat
}
