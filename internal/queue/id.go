package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OfflineIDProvider generates globally unique offline ids of the form
// <unix-milli>-<uuid>. An id is assigned exactly once per record and is the
// idempotency key the server dedups on; it is never regenerated.
type OfflineIDProvider struct {
	clock func() time.Time
}

// NewOfflineIDProvider constructs the default id provider.
func NewOfflineIDProvider(clock func() time.Time) *OfflineIDProvider {
	if clock == nil {
		clock = time.Now
	}
	return &OfflineIDProvider{clock: clock}
}

// NewID returns a fresh offline id.
func (p *OfflineIDProvider) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", p.clock().UTC().UnixMilli(), id.String()), nil
}
