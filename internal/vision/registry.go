package vision

import (
	"fmt"
	"log"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// Options configure the registry. RuntimePath points at the onnxruntime
// shared library; empty means the platform default search path.
type Options struct {
	DetectorPath string
	EmbedderPath string
	RuntimePath  string
	Dimension    int
	PoolSize     int
}

// Registry loads both models once per process and hands out pooled
// Detector/Embedder handles shared by every pipeline.
type Registry struct {
	detector *onnxDetector
	embedder *onnxEmbedder
	ownsEnv  bool
}

// NewRegistry loads the detector and embedder models. Any failure is
// ErrModelLoad; the caller treats it as fatal to Start, never to the process.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 2
	}
	for _, p := range []string{opts.DetectorPath, opts.EmbedderPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, p, err)
		}
	}

	r := &Registry{}
	if !ort.IsInitialized() {
		if opts.RuntimePath != "" {
			ort.SetSharedLibraryPath(opts.RuntimePath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: onnxruntime init: %v", ErrModelLoad, err)
		}
		r.ownsEnv = true
	}

	det, err := newONNXDetector(opts.DetectorPath, opts.PoolSize)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.detector = det

	emb, err := newONNXEmbedder(opts.EmbedderPath, opts.Dimension, opts.PoolSize)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.embedder = emb

	log.Printf("[Models] loaded detector=%s embedder=%s dim=%d pool=%d",
		opts.DetectorPath, opts.EmbedderPath, opts.Dimension, opts.PoolSize)
	return r, nil
}

func (r *Registry) Detector() Detector { return r.detector }
func (r *Registry) Embedder() Embedder { return r.embedder }

func (r *Registry) Close() {
	if r.detector != nil {
		r.detector.close()
		r.detector = nil
	}
	if r.embedder != nil {
		r.embedder.close()
		r.embedder = nil
	}
	if r.ownsEnv {
		ort.DestroyEnvironment()
		r.ownsEnv = false
	}
}

// sessionPool serializes access to a fixed set of inference sessions.
// onnxruntime sessions are not safe for concurrent Run calls.
type sessionPool struct {
	sessions chan *ort.DynamicAdvancedSession
	all      []*ort.DynamicAdvancedSession
}

func newSessionPool(path string, inputs, outputs []string, size int) (*sessionPool, error) {
	p := &sessionPool{sessions: make(chan *ort.DynamicAdvancedSession, size)}
	for i := 0; i < size; i++ {
		sess, err := ort.NewDynamicAdvancedSession(path, inputs, outputs, nil)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
		}
		p.all = append(p.all, sess)
		p.sessions <- sess
	}
	return p, nil
}

func (p *sessionPool) acquire() *ort.DynamicAdvancedSession  { return <-p.sessions }
func (p *sessionPool) release(s *ort.DynamicAdvancedSession) { p.sessions <- s }

func (p *sessionPool) close() {
	for _, s := range p.all {
		s.Destroy()
	}
	p.all = nil
}
