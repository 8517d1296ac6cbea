package queue

import (
	"errors"
	"fmt"
	"strings"
)

// RecordKind enumerates the mutation record types the queue accepts.
type RecordKind string

const (
	// KindBeneficiaryRegistration is a new beneficiary captured in the field.
	KindBeneficiaryRegistration RecordKind = "beneficiary_registration"
	// KindAidDistribution is a recorded hand-out of aid items.
	KindAidDistribution RecordKind = "aid_distribution"
	// KindLossReport is a reported loss or damage of supplies.
	KindLossReport RecordKind = "loss_report"
)

// RecordStatus tracks the sync lifecycle of a queued record.
type RecordStatus string

const (
	// StatusPending marks a record awaiting upload.
	StatusPending RecordStatus = "pending"
	// StatusSynced marks a record the server has confirmed.
	StatusSynced RecordStatus = "synced"
)

var (
	// ErrUnknownKind indicates a record kind outside the closed set.
	ErrUnknownKind = errors.New("queue: unknown record kind")
	// ErrRecordNotFound indicates no record exists for the given offline id.
	ErrRecordNotFound = errors.New("queue: record not found")
	// ErrStorageFailure indicates the underlying store could not complete the
	// operation; callers must treat it as retryable and re-query before
	// assuming anything about persisted state.
	ErrStorageFailure = errors.New("queue: storage failure")
)

// ParseRecordKind validates raw input against the closed kind set. Unknown
// kinds are rejected here, at the enqueue boundary, never at sync time.
func ParseRecordKind(rawInput string) (RecordKind, error) {
	switch RecordKind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindBeneficiaryRegistration:
		return KindBeneficiaryRegistration, nil
	case KindAidDistribution:
		return KindAidDistribution, nil
	case KindLossReport:
		return KindLossReport, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// String returns the underlying kind value.
func (k RecordKind) String() string {
	return string(k)
}

// Record models one durable, not-yet-confirmed mutation. The payload is
// opaque to the queue; only the sync reconciliation step mutates status and
// synced_at_s.
type Record struct {
	LocalKey        int64        `gorm:"column:local_key;primaryKey;autoIncrement"`
	OfflineID       string       `gorm:"column:offline_id;size:190;not null;uniqueIndex"`
	Kind            RecordKind   `gorm:"column:kind;size:64;not null;index:idx_queue_status_kind,priority:2"`
	PayloadJSON     string       `gorm:"column:payload_json;type:text;not null"`
	Status          RecordStatus `gorm:"column:status;size:16;not null;default:'pending';index:idx_queue_status_kind,priority:1"`
	CreatedAtSecond int64        `gorm:"column:created_at_s;not null"`
	SyncedAtSecond  *int64       `gorm:"column:synced_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "queue_records"
}
