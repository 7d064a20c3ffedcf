// Package attendance turns tripwire crossings into durable attendance
// records. The recorder debounces per (employee, direction), retries the
// store with backoff, and spills to a local append-only file rather than
// dropping an event when the store stays down.
package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/technosupport/ts-fas/internal/camera"
)

var (
	ErrStoreUnavailable = errors.New("attendance store unavailable")
	ErrSpillFull        = errors.New("attendance spill file full")
)

// Event is one attendance observation at a tripwire.
type Event struct {
	EmployeeID string           `json:"employee_id"`
	CameraID   string           `json:"camera_id"`
	TripwireID string           `json:"tripwire_id"`
	Direction  camera.Direction `json:"direction"`
	Timestamp  time.Time        `json:"timestamp"`
	Confidence float64          `json:"confidence"`
}

// Outcome of a Record call.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Debounced Outcome = "debounced"
	Errored   Outcome = "error"
)

// Store is the durable sink adapter. The reference deployment is a
// relational database; anything honoring these semantics works.
type Store interface {
	Append(ctx context.Context, evt Event) error
	ListByEmployee(ctx context.Context, employeeID string, from, to time.Time) ([]Event, error)
	ListByRange(ctx context.Context, from, to time.Time) ([]Event, error)
}
