// Package fts owns the face tracking service lifecycle: it builds pipelines
// from configuration, supervises them, and exposes the narrow adapter the
// administrative layer wraps. Every long-lived object of the service hangs
// off the controller; discarding it discards pipelines, workers and models.
package fts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/technosupport/ts-fas/internal/attendance"
	"github.com/technosupport/ts-fas/internal/bus"
	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/capture"
	"github.com/technosupport/ts-fas/internal/config"
	"github.com/technosupport/ts-fas/internal/discovery"
	"github.com/technosupport/ts-fas/internal/identity"
	"github.com/technosupport/ts-fas/internal/live"
	"github.com/technosupport/ts-fas/internal/metrics"
	"github.com/technosupport/ts-fas/internal/mjpeg"
	"github.com/technosupport/ts-fas/internal/pipeline"
	"github.com/technosupport/ts-fas/internal/vision"
)

var (
	ErrNotRunning     = errors.New("face tracking service is not running")
	ErrAlreadyRunning = errors.New("face tracking service is already running")
	ErrUnknownCamera  = errors.New("unknown camera")
)

// Deps are the externally owned collaborators. Store, Bus and Cache may be
// nil; the service then runs spill-only / bus-less / cache-less.
type Deps struct {
	Backend capture.Backend
	Store   attendance.Store
	Bus     *bus.Publisher
	Cache   *live.Cache

	// NewRegistry builds the model registry; tests substitute fakes. Nil
	// uses the ONNX registry.
	NewRegistry func(vision.Options) (ModelSet, error)
}

// ModelSet is what the controller needs from loaded models.
type ModelSet interface {
	Detector() vision.Detector
	Embedder() vision.Embedder
	Close()
}

// Controller is the FTS lifecycle controller. All methods are safe for
// concurrent use; lifecycle transitions serialize on one mutex so
// concurrent Start calls yield exactly one start.
type Controller struct {
	deps Deps

	mu        sync.Mutex
	cfg       config.Config
	running   bool
	startedAt time.Time
	models    ModelSet
	index     *identity.Index
	recorder  *attendance.Recorder
	pipelines map[string]*pipeline.Pipeline
	runCancel context.CancelFunc
}

func NewController(cfg config.Config, deps Deps) *Controller {
	if deps.NewRegistry == nil {
		deps.NewRegistry = func(opts vision.Options) (ModelSet, error) {
			return vision.NewRegistry(opts)
		}
	}
	return &Controller{
		deps:      deps,
		cfg:       cfg,
		pipelines: make(map[string]*pipeline.Pipeline),
	}
}

// Start loads the models, restores the identity index, and launches one
// pipeline per enabled camera. Model and index load failures fail Start but
// never the hosting process.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}

	models, err := c.deps.NewRegistry(vision.Options{
		DetectorPath: c.cfg.Models.DetectorPath,
		EmbedderPath: c.cfg.Models.EmbedderPath,
		RuntimePath:  c.cfg.Models.RuntimePath,
		Dimension:    c.cfg.Models.Dimension,
		PoolSize:     c.cfg.Models.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	index := identity.NewIndex(c.cfg.Models.Dimension)
	if err := index.Load(c.cfg.Models.IndexPath); err != nil {
		models.Close()
		return fmt.Errorf("start: %w", err)
	}

	spill, err := attendance.NewSpill(c.cfg.Recorder.SpillPath, c.cfg.Recorder.SpillMaxBytes)
	if err != nil {
		models.Close()
		return fmt.Errorf("start: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	recorder := attendance.NewRecorder(attendance.RecorderConfig{
		DebounceWindow: c.cfg.DebounceWindow(),
		RetryMax:       c.cfg.Recorder.RetryMax,
	}, c.deps.Store, spill)
	recorder.StartReplayer(runCtx)

	c.models = models
	c.index = index
	c.recorder = recorder
	c.runCancel = cancel
	c.running = true
	c.startedAt = time.Now()

	for _, desc := range c.cfg.Cameras {
		if desc.Enabled {
			c.startPipelineLocked(desc)
		}
	}

	metrics.SetServiceUp(true)
	log.Printf("[FTS] started: %d pipelines, %d identities", len(c.pipelines), index.Count())
	return nil
}

// Stop signals every pipeline, waits up to the shutdown deadline, then
// releases models and the replayer. Idempotent via ErrNotRunning.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if !c.running {
		return ErrNotRunning
	}

	deadline := c.cfg.ShutdownDeadline()
	var wg sync.WaitGroup
	for _, p := range c.pipelines {
		wg.Add(1)
		go func(p *pipeline.Pipeline) {
			defer wg.Done()
			p.Stop(deadline)
		}(p)
	}
	wg.Wait()
	c.pipelines = make(map[string]*pipeline.Pipeline)

	c.runCancel()
	if err := c.index.Persist(c.cfg.Models.IndexPath); err != nil {
		log.Printf("[FTS] index persist on stop failed: %v", err)
	}
	c.models.Close()

	c.models = nil
	c.index = nil
	c.recorder = nil
	c.running = false

	metrics.SetServiceUp(false)
	log.Printf("[FTS] stopped")
	return nil
}

// Restart is Stop then Start with the same configuration snapshot.
func (c *Controller) Restart() error {
	if err := c.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return c.Start()
}

func (c *Controller) startPipelineLocked(desc camera.Descriptor) {
	p := pipeline.New(desc, pipeline.Config{
		DetectThreshold:   c.cfg.Detect.Threshold,
		IdentifyThreshold: c.cfg.Identify.Threshold,
		ReidMargin:        c.cfg.Identify.ReidMargin,
		IOUThreshold:      c.cfg.Track.IOUThreshold,
		ExpireFrames:      c.cfg.Track.ExpireFrames,
		ReadFailLimit:     c.cfg.Pipeline.ReadFailLimit,
		FailPerMinute:     c.cfg.Pipeline.FailThresholdPerMinute,
	}, pipeline.Deps{
		Backend:  c.deps.Backend,
		Detector: c.models.Detector(),
		Embedder: c.models.Embedder(),
		Index:    c.index,
		Recorder: c.recorder,
		Bus:      c.deps.Bus,
		Cache:    c.deps.Cache,
		OnStateChange: func(id string, s pipeline.State) {
			log.Printf("[FTS] pipeline %s -> %s", id, s)
		},
	}, mjpeg.Options{
		SubscriberBuffer: c.cfg.MJPEG.SubscriberBuffer,
		PlaceholderHz:    c.cfg.MJPEG.PlaceholderHz,
		Quality:          c.cfg.MJPEG.Quality,
	})
	c.pipelines[desc.ID] = p
	p.Start()
}

// ApplyConfig diffs the new configuration against the running set and
// performs the minimal pipeline churn: untouched descriptors keep their
// pipelines (and open captures), changed ones are replaced, added ones
// start, removed ones stop.
func (c *Controller) ApplyConfig(next config.Config) error {
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.cfg
	c.cfg = next
	if !c.running {
		return nil
	}

	desired := make(map[string]camera.Descriptor)
	for _, d := range next.Cameras {
		if d.Enabled {
			desired[d.ID] = d
		}
	}

	deadline := prev.ShutdownDeadline()
	for id, p := range c.pipelines {
		want, ok := desired[id]
		if ok && p.Descriptor().Equal(want) {
			delete(desired, id)
			continue
		}
		p.Stop(deadline)
		delete(c.pipelines, id)
		if ok {
			log.Printf("[FTS] pipeline %s descriptor changed, replacing", id)
		} else {
			log.Printf("[FTS] pipeline %s removed from config", id)
		}
	}

	for _, d := range desired {
		if _, exists := c.pipelines[d.ID]; !exists {
			c.startPipelineLocked(d)
			log.Printf("[FTS] pipeline %s started from config", d.ID)
		}
	}
	return nil
}

// Snapshot returns the active configuration.
func (c *Controller) Snapshot() config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Publisher exposes a camera's MJPEG publisher to the HTTP layer.
func (c *Controller) Publisher(cameraID string) (*mjpeg.Publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pipelines[cameraID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, cameraID)
	}
	return p.Publisher(), nil
}

// Status aggregates per-pipeline state for the admin surface.
type FTSStatus struct {
	Running       bool              `json:"running"`
	UptimeSeconds int64             `json:"uptime_s"`
	Cameras       []pipeline.Status `json:"cameras"`
	Identities    int               `json:"identities"`
	RecorderError string            `json:"recorder_error,omitempty"`
}

func (c *Controller) Status() FTSStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := FTSStatus{Running: c.running}
	if !c.running {
		return st
	}
	st.UptimeSeconds = int64(time.Since(c.startedAt).Seconds())
	st.Identities = c.index.Count()
	if err := c.recorder.LastError(); err != nil {
		st.RecorderError = err.Error()
	}
	for _, p := range c.pipelines {
		st.Cameras = append(st.Cameras, p.Status())
	}
	sort.Slice(st.Cameras, func(i, j int) bool {
		return st.Cameras[i].CameraID < st.Cameras[j].CameraID
	})
	return st
}

// Discover runs a discovery scan using the active configuration.
func (c *Controller) Discover(ctx context.Context) ([]camera.Discovered, error) {
	c.mu.Lock()
	cfg := c.cfg.Discover
	c.mu.Unlock()

	svc := discovery.NewService(c.deps.Backend)
	return svc.Run(ctx, discovery.Config{
		Subnet:         cfg.Subnet,
		Ports:          cfg.Ports,
		ProbeTimeout:   time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond,
		MaxDeviceIndex: cfg.MaxDeviceIndex,
		MaxInflight:    cfg.MaxInflight,
	})
}

// RecentAttendance proxies the recorder's recent view for the admin layer.
func (c *Controller) RecentAttendance(ctx context.Context, employeeID string, window time.Duration) ([]attendance.Event, error) {
	c.mu.Lock()
	rec := c.recorder
	c.mu.Unlock()
	if rec == nil {
		return nil, ErrNotRunning
	}
	return rec.RecentFor(ctx, employeeID, window)
}
