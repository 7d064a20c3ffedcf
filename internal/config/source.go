package config

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = 60 * time.Second

// Source serves configuration snapshots and change notifications for a file
// on disk. Reload uses fsnotify with a slow polling loop as a safety net, so
// a missed inotify event never leaves the service on a stale config forever.
type Source struct {
	path string

	mu      sync.RWMutex
	current Config
	modTime time.Time
	subs    []chan Config
}

// NewSource loads path once; the load error is fatal, matching the contract
// that configuration problems only fail at load.
func NewSource(path string) (*Source, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Source{path: path, current: cfg}
	if info, err := os.Stat(path); err == nil {
		s.modTime = info.ModTime()
	}
	return s, nil
}

// Snapshot returns the last good configuration.
func (s *Source) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Watch returns a channel receiving each accepted reload. The channel is
// buffered; a slow consumer misses intermediate snapshots, never blocks the
// watcher.
func (s *Source) Watch() <-chan Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Config, 1)
	s.subs = append(s.subs, ch)
	return ch
}

// Run watches the file until ctx is done.
func (s *Source) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	useEvents := err == nil
	if useEvents {
		if err := watcher.Add(s.path); err != nil {
			log.Printf("[Config] watch %s failed (%v), polling only", s.path, err)
			useEvents = false
			watcher.Close()
		}
	} else {
		log.Printf("[Config] fsnotify unavailable (%v), polling only", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	if useEvents {
		defer watcher.Close()
	}

	for {
		if useEvents {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					useEvents = false
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					// Editors often truncate-then-write; let the write settle.
					time.Sleep(100 * time.Millisecond)
					s.reload()
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					useEvents = false
					continue
				}
				log.Printf("[Config] watcher error: %v", werr)
			case <-ticker.C:
				s.pollReload()
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.pollReload()
			}
		}
	}
}

func (s *Source) pollReload() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	changed := info.ModTime().After(s.modTime)
	s.mu.RUnlock()
	if changed {
		s.reload()
	}
}

func (s *Source) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		// A bad edit keeps the last good snapshot in force.
		log.Printf("[Config] reload rejected: %v", err)
		return
	}

	s.mu.Lock()
	s.current = cfg
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	subs := make([]chan Config, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	log.Printf("[Config] reloaded %s (%d cameras)", s.path, len(cfg.Cameras))
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Drop the stale pending snapshot so the consumer sees the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}
