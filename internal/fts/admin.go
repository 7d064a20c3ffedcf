package fts

import (
	"context"
	"errors"
	"time"

	"github.com/technosupport/ts-fas/internal/attendance"
	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/config"
	"github.com/technosupport/ts-fas/internal/mjpeg"
)

// OpResult is the uniform outcome of lifecycle operations.
type OpResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Admin is the narrow contract the HTTP layer wraps. Nothing above this
// interface touches pipelines or models directly.
type Admin interface {
	Start() OpResult
	Stop() OpResult
	Restart() OpResult
	Status() FTSStatus
	Discover(ctx context.Context) ([]camera.Discovered, error)
	Enroll(employeeID, displayName string, imageBytes []byte) error
	RemoveIdentity(employeeID string) error
	Identities() ([]IdentitySummary, error)
	Snapshot() config.Config
	ApplyConfig(cfg config.Config) error
	Publisher(cameraID string) (*mjpeg.Publisher, error)
	RecentAttendance(ctx context.Context, employeeID string, window time.Duration) ([]attendance.Event, error)
}

// Adapter maps controller errors onto the admin contract: redundant
// lifecycle calls are reported as success with a message.
type Adapter struct {
	*Controller
}

func NewAdapter(c *Controller) *Adapter {
	return &Adapter{Controller: c}
}

func (a *Adapter) Start() OpResult {
	switch err := a.Controller.Start(); {
	case err == nil:
		return OpResult{Success: true, Message: "started"}
	case errors.Is(err, ErrAlreadyRunning):
		return OpResult{Success: true, Message: "already running"}
	default:
		return OpResult{Success: false, Message: err.Error()}
	}
}

func (a *Adapter) Stop() OpResult {
	switch err := a.Controller.Stop(); {
	case err == nil:
		return OpResult{Success: true, Message: "stopped"}
	case errors.Is(err, ErrNotRunning):
		return OpResult{Success: true, Message: "not running"}
	default:
		return OpResult{Success: false, Message: err.Error()}
	}
}

func (a *Adapter) Restart() OpResult {
	if err := a.Controller.Restart(); err != nil {
		return OpResult{Success: false, Message: err.Error()}
	}
	return OpResult{Success: true, Message: "restarted"}
}
