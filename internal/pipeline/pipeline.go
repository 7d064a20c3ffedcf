// Package pipeline runs the per-camera chain: capture, detect, embed,
// identify, track, tripwire evaluation, publish, record. One pipeline per
// enabled camera; stages are goroutines joined by bounded channels, and no
// queue in the chain is unbounded.
package pipeline

import (
	"context"
	"image"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/technosupport/ts-fas/internal/attendance"
	"github.com/technosupport/ts-fas/internal/bus"
	"github.com/technosupport/ts-fas/internal/camera"
	"github.com/technosupport/ts-fas/internal/capture"
	"github.com/technosupport/ts-fas/internal/identity"
	"github.com/technosupport/ts-fas/internal/live"
	"github.com/technosupport/ts-fas/internal/metrics"
	"github.com/technosupport/ts-fas/internal/mjpeg"
	"github.com/technosupport/ts-fas/internal/overlay"
	"github.com/technosupport/ts-fas/internal/track"
	"github.com/technosupport/ts-fas/internal/vision"
)

// State is the pipeline lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDegraded
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	captureQueueDepth = 1
	resultQueueDepth  = 4
	reopenBackoffMax  = 30 * time.Second
	logEveryNErrors   = 50
)

// Config holds the per-pipeline thresholds.
type Config struct {
	DetectThreshold   float64
	IdentifyThreshold float64
	ReidMargin        float64
	IOUThreshold      float64
	ExpireFrames      int
	ReadFailLimit     int
	FailPerMinute     int
}

// Deps are the shared collaborators. Bus and Cache may be nil.
type Deps struct {
	Backend  capture.Backend
	Detector vision.Detector
	Embedder vision.Embedder
	Index    *identity.Index
	Recorder *attendance.Recorder
	Bus      *bus.Publisher
	Cache    *live.Cache

	// OnStateChange, when set, is invoked for every state transition so the
	// controller can log and react without polling.
	OnStateChange func(cameraID string, s State)
}

type capFrame struct {
	img *image.RGBA
	seq uint64
	ts  time.Time
}

type frameResult struct {
	img       *image.RGBA
	tracks    []*track.Track
	crossings []track.Crossing
	ts        time.Time
}

// Pipeline is one running camera chain.
type Pipeline struct {
	desc camera.Descriptor
	cfg  Config
	deps Deps
	pub  *mjpeg.Publisher
	tws  []camera.Tripwire

	state atomic.Int32

	frames  chan capFrame
	results chan frameResult

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped chan struct{}

	startedAt      time.Time
	detections     atomic.Uint64
	recognitions   atomic.Uint64
	unknownPresent atomic.Bool
	fpsIn          rateMeter
	fpsOut         rateMeter

	errMu          sync.Mutex
	lastErr        string
	errWindowStart time.Time
	errWindowCount int
	errLogged      uint64
}

// New builds a pipeline for desc. Start launches its workers.
func New(desc camera.Descriptor, cfg Config, deps Deps, mjpegOpts mjpeg.Options) *Pipeline {
	mjpegOpts.CameraID = desc.ID
	if mjpegOpts.Width == 0 {
		mjpegOpts.Width = desc.Width
	}
	if mjpegOpts.Height == 0 {
		mjpegOpts.Height = desc.Height
	}
	p := &Pipeline{
		desc:    desc,
		cfg:     cfg,
		deps:    deps,
		pub:     mjpeg.NewPublisher(mjpegOpts),
		tws:     desc.SortedTripwires(),
		frames:  make(chan capFrame, captureQueueDepth),
		results: make(chan frameResult, resultQueueDepth),
		stopped: make(chan struct{}),
	}
	p.state.Store(int32(StateInitializing))
	return p
}

func (p *Pipeline) Descriptor() camera.Descriptor { return p.desc }
func (p *Pipeline) Publisher() *mjpeg.Publisher   { return p.pub }

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Start launches the stage workers. The pipeline owns its lifetime; Stop
// tears everything down.
func (p *Pipeline) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.startedAt = time.Now()

	p.wg.Add(3)
	go p.captureLoop(ctx)
	go p.processLoop(ctx)
	go p.publishLoop(ctx)

	go p.pub.RunPlaceholderLoop(p.stopped)
}

// Stop signals all stages, waits up to deadline for the drain, then returns.
// After Stop returns no further frames are published and no attendance
// events are emitted for this camera.
func (p *Pipeline) Stop(deadline time.Duration) {
	if p.cancel == nil {
		p.setState(StateStopped)
		return
	}
	if !p.transition(StateStopping) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		log.Printf("[Pipeline %s] drain exceeded %v, forcing shutdown", p.desc.ID, deadline)
	}

	close(p.stopped)
	p.pub.Close()
	p.setState(StateStopped)
}

// transition moves to next unless already stopping/stopped.
func (p *Pipeline) transition(next State) bool {
	for {
		cur := State(p.state.Load())
		if cur == StateStopping || cur == StateStopped {
			return false
		}
		if p.state.CompareAndSwap(int32(cur), int32(next)) {
			if cur != next {
				p.notify(next)
			}
			return true
		}
	}
}

func (p *Pipeline) setState(s State) {
	if State(p.state.Swap(int32(s))) != s {
		p.notify(s)
	}
}

func (p *Pipeline) notify(s State) {
	metrics.PipelineState.WithLabelValues(p.desc.ID).Set(float64(s))
	if p.deps.OnStateChange != nil {
		p.deps.OnStateChange(p.desc.ID, s)
	}
}

// captureLoop owns the device session: open with jittered backoff, read at
// the device rate, hand frames downstream with drop-oldest, reopen after
// consecutive read failures.
func (p *Pipeline) captureLoop(ctx context.Context) {
	defer p.wg.Done()

	backoff := time.Second
	var seq uint64

	for ctx.Err() == nil {
		sess, err := p.deps.Backend.Open(p.desc)
		if err != nil {
			p.recordError("open", err)
			p.transition(StateDegraded)
			metrics.PipelineRestartsTotal.WithLabelValues(p.desc.ID).Inc()
			p.waitDegraded(ctx, jittered(backoff), err.Error())
			if backoff < reopenBackoffMax {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		readDeadline := time.Second
		if p.desc.FPS > 0 {
			if d := 2 * time.Second / time.Duration(p.desc.FPS); d > readDeadline {
				readDeadline = d
			}
		}

		consecutive := 0
		for ctx.Err() == nil {
			img, err := sess.Read(readDeadline)
			if err != nil {
				consecutive++
				metrics.RecordFrame(p.desc.ID, "failed")
				p.recordError("read", err)
				if consecutive >= p.cfg.ReadFailLimit {
					p.transition(StateDegraded)
					metrics.PipelineRestartsTotal.WithLabelValues(p.desc.ID).Inc()
					break
				}
				continue
			}
			consecutive = 0
			p.transition(StateRunning)
			p.fpsIn.tick()
			seq++

			frame := capFrame{img: img, seq: seq, ts: time.Now()}
			select {
			case p.frames <- frame:
			default:
				// Detection is behind: discard the stale pending frame so
				// capture keeps pace with the device.
				select {
				case <-p.frames:
					metrics.RecordFrame(p.desc.ID, "dropped")
				default:
				}
				select {
				case p.frames <- frame:
				default:
				}
			}
		}
		sess.Close()
	}
}

// waitDegraded publishes a failure frame at 1 Hz while the reopen backoff
// elapses, so viewers see the problem instead of a frozen image.
func (p *Pipeline) waitDegraded(ctx context.Context, wait time.Duration, reason string) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	p.pub.PublishPlaceholder("CAMERA OFFLINE", p.desc.ID, reason)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				return
			}
			p.pub.PublishPlaceholder("CAMERA OFFLINE", p.desc.ID, reason)
		}
	}
}

func jittered(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// processLoop runs detect, embed, identify, track and tripwire evaluation.
// Per-frame inference errors drop the frame and count toward the degrade
// ceiling; they never kill the pipeline.
func (p *Pipeline) processLoop(ctx context.Context) {
	defer p.wg.Done()

	tracker := track.NewTracker(track.Config{
		IOUThreshold:      p.cfg.IOUThreshold,
		ExpireFrames:      p.cfg.ExpireFrames,
		IdentifyThreshold: p.cfg.IdentifyThreshold,
		ReidMargin:        p.cfg.ReidMargin,
	})

	for {
		var frame capFrame
		select {
		case <-ctx.Done():
			return
		case frame = <-p.frames:
		}

		start := time.Now()
		dets, err := p.deps.Detector.Detect(frame.img)
		if err != nil {
			p.recordError("detect", err)
			metrics.RecordFrame(p.desc.ID, "failed")
			continue
		}
		metrics.InferenceLatency.WithLabelValues("detect").Observe(float64(time.Since(start).Milliseconds()))

		eligible := dets[:0:0]
		for _, d := range dets {
			if d.Confidence >= p.cfg.DetectThreshold {
				eligible = append(eligible, d)
			}
		}

		obs, ok := p.identify(frame.img, eligible)
		if !ok {
			metrics.RecordFrame(p.desc.ID, "failed")
			continue
		}

		tracks := tracker.Update(frame.seq, obs)
		crossings := track.EvaluateTripwires(p.tws, tracks, frame.seq)

		p.detections.Add(uint64(len(eligible)))
		metrics.DetectionsTotal.WithLabelValues(p.desc.ID).Add(float64(len(eligible)))

		unknown := false
		for _, t := range tracks {
			if !t.Known() {
				unknown = true
				break
			}
		}
		p.unknownPresent.Store(unknown)
		metrics.RecordFrame(p.desc.ID, "processed")

		select {
		case <-ctx.Done():
			return
		case p.results <- frameResult{img: frame.img, tracks: tracks, crossings: crossings, ts: frame.ts}:
		}
	}
}

// identify embeds the eligible detections and queries the index, returning
// one observation per detection. ok is false when the embedder failed and
// the frame should be dropped.
func (p *Pipeline) identify(img *image.RGBA, dets []vision.Detection) ([]track.Observation, bool) {
	if len(dets) == 0 {
		return nil, true
	}

	start := time.Now()
	vecs, err := p.deps.Embedder.Embed(img, dets)
	if err != nil {
		p.recordError("embed", err)
		return nil, false
	}
	metrics.InferenceLatency.WithLabelValues("embed").Observe(float64(time.Since(start).Milliseconds()))

	obs := make([]track.Observation, len(dets))
	for i, d := range dets {
		obs[i] = track.Observation{Det: d}
		if i >= len(vecs) {
			continue
		}
		matches, err := p.deps.Index.Query(vecs[i], 1)
		if err != nil {
			p.recordError("identify", err)
			continue
		}
		if len(matches) > 0 && matches[0].Score >= p.cfg.IdentifyThreshold {
			obs[i].EmployeeID = matches[0].ID
			obs[i].Name = matches[0].Name
			obs[i].Score = matches[0].Score
			p.recognitions.Add(1)
			metrics.RecognitionsTotal.WithLabelValues(p.desc.ID).Inc()
		}
	}
	return obs, true
}

// publishLoop annotates and publishes frames in capture order and records
// crossings in detection order.
func (p *Pipeline) publishLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		var res frameResult
		select {
		case <-ctx.Done():
			return
		case res = <-p.results:
		}

		overlay.Annotate(res.img, res.tracks, p.tws)
		p.pub.Publish(res.img)
		p.fpsOut.tick()

		p.storeSnapshot(ctx, res)

		for _, c := range res.crossings {
			if !c.Track.Known() || c.Track.Score < p.cfg.IdentifyThreshold {
				continue
			}
			evt := attendance.Event{
				EmployeeID: c.Track.EmployeeID,
				CameraID:   p.desc.ID,
				TripwireID: c.TripwireID,
				Direction:  c.Direction,
				Timestamp:  res.ts,
				Confidence: c.Track.Score,
			}
			outcome, err := p.deps.Recorder.Record(ctx, evt)
			if err != nil {
				p.recordError("record", err)
			}
			if outcome == attendance.Accepted {
				p.deps.Bus.Publish(p.desc.ID, evt)
			}
		}
	}
}

func (p *Pipeline) storeSnapshot(ctx context.Context, res frameResult) {
	if p.deps.Cache == nil {
		return
	}
	snap := live.DetectionSnapshot{
		CameraID: p.desc.ID,
		TSUnixMS: res.ts.UnixMilli(),
		Faces:    make([]live.FaceBox, 0, len(res.tracks)),
	}
	for _, t := range res.tracks {
		snap.Faces = append(snap.Faces, live.FaceBox{
			TrackID:    t.ID,
			X:          t.Box.X,
			Y:          t.Box.Y,
			W:          t.Box.W,
			H:          t.Box.H,
			EmployeeID: t.EmployeeID,
			Score:      t.Score,
			Unknown:    !t.Known(),
		})
	}
	cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := p.deps.Cache.Store(cctx, snap); err != nil && ctx.Err() == nil {
		p.recordError("cache", err)
	}
}

// recordError tracks the per-minute error rate, promotes the pipeline to
// Degraded past the ceiling, and rate-limits the log output.
func (p *Pipeline) recordError(stage string, err error) {
	p.errMu.Lock()
	now := time.Now()
	if now.Sub(p.errWindowStart) >= time.Minute {
		p.errWindowStart = now
		p.errWindowCount = 0
	}
	p.errWindowCount++
	p.lastErr = stage + ": " + err.Error()
	overCeiling := p.cfg.FailPerMinute > 0 && p.errWindowCount > p.cfg.FailPerMinute
	p.errLogged++
	shouldLog := p.errLogged%logEveryNErrors == 1
	p.errMu.Unlock()

	if shouldLog {
		log.Printf("[Pipeline %s] %s error: %v", p.desc.ID, stage, err)
	}
	if overCeiling {
		p.transition(StateDegraded)
	}
}

// Status is the controller-facing snapshot.
type Status struct {
	CameraID          string  `json:"id"`
	State             string  `json:"state"`
	FPSIn             float64 `json:"fps_in"`
	FPSOut            float64 `json:"fps_out"`
	LastError         string  `json:"last_error,omitempty"`
	DetectionsTotal   uint64  `json:"detections_total"`
	RecognitionsTotal uint64  `json:"recognitions_total"`
	Unknown           bool    `json:"unknown"`
	Subscribers       int     `json:"subscribers"`
	UptimeSeconds     int64   `json:"uptime_s"`
}

func (p *Pipeline) Status() Status {
	p.errMu.Lock()
	lastErr := p.lastErr
	p.errMu.Unlock()

	var uptime int64
	if !p.startedAt.IsZero() {
		uptime = int64(time.Since(p.startedAt).Seconds())
	}
	return Status{
		CameraID:          p.desc.ID,
		State:             p.State().String(),
		FPSIn:             p.fpsIn.rate(),
		FPSOut:            p.fpsOut.rate(),
		LastError:         lastErr,
		DetectionsTotal:   p.detections.Load(),
		RecognitionsTotal: p.recognitions.Load(),
		Unknown:           p.unknownPresent.Load(),
		Subscribers:       p.pub.Subscribers(),
		UptimeSeconds:     uptime,
	}
}

// rateMeter estimates events per second over one-second windows.
type rateMeter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	value       float64
}

func (r *rateMeter) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if r.windowStart.IsZero() {
		r.windowStart = now
	}
	if elapsed := now.Sub(r.windowStart); elapsed >= time.Second {
		r.value = float64(r.count) / elapsed.Seconds()
		r.count = 0
		r.windowStart = now
	}
	r.count++
}

func (r *rateMeter) rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}
