package device

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	sequence := atomic.AddInt64(&testDatabaseSequence, 1)
	dsn := fmt.Sprintf("file:device_test_%d?mode=memory&cache=shared", sequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestResolveDeviceIDIsStableAcrossCalls(t *testing.T) {
	service, err := NewService(ServiceConfig{Database: openTestDB(t), AppVersion: "v2"})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	first, err := service.ResolveDeviceID()
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if first == "" {
		t.Fatalf("expected a generated device id")
	}
	second, err := service.ResolveDeviceID()
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if second != first {
		t.Fatalf("device id changed between calls: %q vs %q", first, second)
	}
}

func TestResolveDeviceIDSurvivesServiceRestart(t *testing.T) {
	db := openTestDB(t)

	original, err := NewService(ServiceConfig{Database: db, AppVersion: "v1"})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	first, err := original.ResolveDeviceID()
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	restarted, err := NewService(ServiceConfig{
		Database:   db,
		AppVersion: "v2",
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	second, err := restarted.ResolveDeviceID()
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if second != first {
		t.Fatalf("device id must persist across restarts: %q vs %q", first, second)
	}

	var identity Identity
	if err := db.Take(&identity).Error; err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if identity.AppVersion != "v2" {
		t.Fatalf("expected app version refreshed on resolve, got %q", identity.AppVersion)
	}
}

func TestInfoCarriesPlatformMetadata(t *testing.T) {
	service, err := NewService(ServiceConfig{Database: openTestDB(t), AppVersion: "v3"})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	info := service.Info()
	if info["app_version"] != "v3" {
		t.Fatalf("unexpected app version: %q", info["app_version"])
	}
	if info["platform"] == "" || info["arch"] == "" {
		t.Fatalf("expected platform metadata, got %#v", info)
	}
}
