// Package mjpeg broadcasts JPEG-encoded preview frames to HTTP viewers. One
// publisher per camera pipeline; each subscriber owns a bounded channel with
// a latest-wins drop policy so a stalled viewer never blocks the producer.
package mjpeg

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/technosupport/ts-fas/internal/metrics"
	"github.com/technosupport/ts-fas/internal/overlay"
)

// Options tune one publisher.
type Options struct {
	CameraID         string
	Width            int
	Height           int
	SubscriberBuffer int
	PlaceholderHz    int
	Quality          int
}

// Publisher fans frames out to zero or more subscribers. JPEG encoding is
// lazy: with no subscribers attached, Publish is a timestamp update.
type Publisher struct {
	opts Options

	mu          sync.RWMutex
	subs        map[*Subscriber]struct{}
	lastPublish time.Time
	frameSeq    uint64
	closed      bool
}

// Subscriber receives encoded frames. Frames() yields until the publisher
// closes or Cancel is called.
type Subscriber struct {
	pub *Publisher
	ch  chan []byte

	once sync.Once
}

func (s *Subscriber) Frames() <-chan []byte { return s.ch }

func (s *Subscriber) Cancel() {
	s.pub.unsubscribe(s)
}

func NewPublisher(opts Options) *Publisher {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 1
	}
	if opts.PlaceholderHz <= 0 {
		opts.PlaceholderHz = 1
	}
	if opts.Quality <= 0 {
		opts.Quality = 85
	}
	return &Publisher{
		opts: opts,
		subs: make(map[*Subscriber]struct{}),
	}
}

// Subscribe attaches a new viewer. A viewer joining mid-stream receives the
// next produced frame as its first; there is no backlog to replay.
func (p *Publisher) Subscribe() *Subscriber {
	sub := &Subscriber{pub: p, ch: make(chan []byte, p.opts.SubscriberBuffer)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(sub.ch)
		return sub
	}
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	return sub
}

func (p *Publisher) unsubscribe(sub *Subscriber) {
	p.mu.Lock()
	_, ok := p.subs[sub]
	delete(p.subs, sub)
	p.mu.Unlock()
	if ok {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Subscribers reports the attached viewer count.
func (p *Publisher) Subscribers() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Publish encodes and broadcasts img. Encoding happens at most once per
// frame and only when at least one subscriber is attached.
func (p *Publisher) Publish(img *image.RGBA) {
	p.mu.Lock()
	p.lastPublish = time.Now()
	p.frameSeq++
	if p.closed || len(p.subs) == 0 {
		p.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		log.Printf("[MJPEG %s] encode failed: %v", p.opts.CameraID, err)
		return
	}
	frame := buf.Bytes()

	for _, sub := range subs {
		select {
		case sub.ch <- frame:
		default:
			// Lagging viewer: evict its pending frame, latest wins.
			select {
			case <-sub.ch:
				metrics.SubscriberFramesDropped.WithLabelValues(p.opts.CameraID).Inc()
			default:
			}
			select {
			case sub.ch <- frame:
			default:
			}
		}
	}
}

// PublishPlaceholder broadcasts a synthesized frame with the given text.
func (p *Publisher) PublishPlaceholder(lines ...string) {
	p.Publish(overlay.Placeholder(p.opts.Width, p.opts.Height, lines...))
}

// FrameSeq returns the number of frames offered to the publisher.
func (p *Publisher) FrameSeq() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.frameSeq
}

// RunPlaceholderLoop emits "no signal" frames at the configured rate while
// the source stays quiet, so viewers always see progress. Returns when stop
// is closed.
func (p *Publisher) RunPlaceholderLoop(stop <-chan struct{}) {
	interval := time.Second / time.Duration(p.opts.PlaceholderHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.mu.RLock()
			idle := time.Since(p.lastPublish) >= interval
			closed := p.closed
			p.mu.RUnlock()
			if closed {
				return
			}
			if idle {
				p.PublishPlaceholder("NO SIGNAL", p.opts.CameraID)
			}
		}
	}
}

// Close notifies every subscriber and rejects future ones.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := make([]*Subscriber, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.subs = make(map[*Subscriber]struct{})
	p.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

// ServeHTTP streams multipart/x-mixed-replace JPEG parts to one viewer.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := p.Subscribe()
	defer sub.Cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame))
			if _, err := w.Write(frame); err != nil {
				return
			}
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}
	}
}
