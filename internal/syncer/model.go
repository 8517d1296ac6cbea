package syncer

import (
	"encoding/json"
	"errors"
)

// State tracks one sync attempt through its lifecycle. Terminal states
// auto-return to idle after a display delay.
type State string

const (
	StateIdle            State = "idle"
	StateLoading         State = "loading"
	StateUploading       State = "uploading"
	StateReconciling     State = "reconciling"
	StateSucceeded       State = "succeeded"
	StatePartiallyFailed State = "partially_failed"
	StateFailed          State = "failed"
)

var (
	// ErrSyncInFlight rejects a trigger while another attempt holds the
	// single-flight lock.
	ErrSyncInFlight = errors.New("syncer: sync already in flight")
	// ErrTransportFailure indicates no usable response was received; the
	// whole batch stays pending.
	ErrTransportFailure = errors.New("syncer: transport failure")
	// ErrMalformedResponse indicates the server reply was missing the
	// expected result partitions; nothing is deleted.
	ErrMalformedResponse = errors.New("syncer: malformed sync response")
)

// BatchRecord is one queued record's contribution to an upload batch.
type BatchRecord struct {
	OfflineID  string          `json:"offlineId"`
	RecordKind string          `json:"recordKind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  int64           `json:"createdAt"`
}

// Batch is the upload request body.
type Batch struct {
	Records    []BatchRecord     `json:"records"`
	DeviceID   string            `json:"deviceId"`
	DeviceInfo map[string]string `json:"deviceInfo"`
}

// Rejection reports one record the server refused, with its reason.
type Rejection struct {
	OfflineID string `json:"offlineId"`
	Reason    string `json:"reason"`
}

// BatchResult partitions the submitted offline ids into three disjoint sets.
// Accepted and duplicate ids are treated identically downstream: the server
// already has the record, so the client stops carrying it.
type BatchResult struct {
	Accepted   []string
	Duplicates []string
	Rejected   []Rejection
}

// Outcome summarizes one trigger for the UI layer.
type Outcome struct {
	NothingToSync bool        `json:"nothing_to_sync,omitempty"`
	Failed        bool        `json:"failed,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Succeeded     int         `json:"succeeded"`
	Rejected      int         `json:"rejected"`
	Reasons       []Rejection `json:"reasons,omitempty"`
	Pending       int64       `json:"pending"`
}
