package device

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Identity persists the stable device identifier presented with every sync
// batch. A single row lives in the local store; the id is generated on first
// read and never re-initialized afterwards.
type Identity struct {
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:64;not null"`
	Platform   string    `gorm:"column:platform;size:64;not null"`
	AppVersion string    `gorm:"column:app_version;size:64;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
}

// TableName exposes the table backing the device identity.
func (Identity) TableName() string {
	return "device_identity"
}

// ServiceConfig describes the dependencies for device identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	AppVersion string
	Clock      func() time.Time
}

// Service resolves and caches the device identifier.
type Service struct {
	db         *gorm.DB
	appVersion string
	now        func() time.Time

	mu       sync.Mutex
	resolved string
}

// NewService constructs the device identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("device: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	appVersion := cfg.AppVersion
	if appVersion == "" {
		appVersion = "dev"
	}
	return &Service{
		db:         cfg.Database,
		appVersion: appVersion,
		now:        clock,
	}, nil
}

// ResolveDeviceID returns the stable device id, creating and persisting one
// on first use.
func (s *Service) ResolveDeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resolved != "" {
		return s.resolved, nil
	}

	var identity Identity
	err := s.db.Order("created_at ASC").First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		generated, err := uuid.NewRandom()
		if err != nil {
			return "", err
		}
		identity = Identity{
			DeviceID:   generated.String(),
			Platform:   runtime.GOOS,
			AppVersion: s.appVersion,
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		_ = s.db.Model(&Identity{}).
			Where("device_id = ?", identity.DeviceID).
			Updates(map[string]interface{}{
				"last_seen_at": s.now(),
				"app_version":  s.appVersion,
			}).
			Error
	}

	s.resolved = identity.DeviceID
	return identity.DeviceID, nil
}

// Info returns the device metadata attached to each sync batch.
func (s *Service) Info() map[string]string {
	return map[string]string{
		"platform":    runtime.GOOS,
		"arch":        runtime.GOARCH,
		"app_version": s.appVersion,
	}
}
