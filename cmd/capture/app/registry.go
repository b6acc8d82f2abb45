package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDeviceBusy is returned when a run tries to claim a device that an
// active run already holds.
var ErrDeviceBusy = errors.New("device already claimed by an active run")

// CaptureRun is one active capture: a unique run id bound to the physical device
// it exclusively holds for its lifetime.
type CaptureRun struct {
	ID        uuid.UUID
	DeviceID  string
	StartedAt time.Time
}

// Registry tracks active runs and enforces one open session per physical
// device.
type Registry struct {
	mu      sync.Mutex
	runs    map[uuid.UUID]*CaptureRun
	devices map[string]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		runs:    make(map[uuid.UUID]*CaptureRun),
		devices: make(map[string]uuid.UUID),
	}
}

// Begin claims the device and registers a new run against it.
func (r *Registry) Begin(deviceID string) (*CaptureRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.devices[deviceID]; ok {
		return nil, fmt.Errorf("%w: device %s held by run %s", ErrDeviceBusy, deviceID, holder)
	}

	run := &CaptureRun{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		StartedAt: time.Now(),
	}

	r.runs[run.ID] = run
	r.devices[deviceID] = run.ID
	return run, nil
}

// End releases the run and its device claim. Unknown ids are a no-op.
func (r *Registry) End(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[id]
	if !ok {
		return
	}

	delete(r.runs, id)
	delete(r.devices, run.DeviceID)
}

// Active returns a snapshot of the currently registered runs.
func (r *Registry) Active() []*CaptureRun {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := make([]*CaptureRun, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	return runs
}
