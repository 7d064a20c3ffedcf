package attendance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const spillFileName = "attendance_spill.log"

// Spill is the local append-only overflow sink: one JSON record per line for
// every event that could not be persisted. Bounded by maxBytes; once full,
// Append fails with ErrSpillFull, which the recorder returns as that event's
// error and reports through LastError (and so through status). The recorder
// does not stop on it: later events are still attempted.
type Spill struct {
	dir      string
	maxBytes int64

	mu sync.Mutex
}

func NewSpill(dir string, maxBytes int64) (*Spill, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spill dir: %w", err)
	}
	return &Spill{dir: dir, maxBytes: maxBytes}, nil
}

func (s *Spill) path() string { return filepath.Join(s.dir, spillFileName) }

// Append writes evt to the spill file, enforcing the byte cap.
func (s *Spill) Append(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.usedLocked() >= s.maxBytes {
		return fmt.Errorf("%w: %s", ErrSpillFull, s.dir)
	}

	line, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func (s *Spill) usedLocked() int64 {
	var size int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !info.IsDir() {
			size += info.Size()
		}
	}
	return size
}

// Drain rotates the spill file aside and feeds each event to emit. Events
// emit rejects are reported back through the returned count so the caller
// can re-spill them; the rotated file is removed either way, matching the
// replay discipline of the audit spool.
func (s *Spill) Drain(emit func(Event) error) (flushed, failed int) {
	s.mu.Lock()
	info, err := os.Stat(s.path())
	if err != nil || info.Size() == 0 {
		s.mu.Unlock()
		return 0, 0
	}
	replay := filepath.Join(s.dir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(s.path(), replay); err != nil {
		s.mu.Unlock()
		log.Printf("[Attendance] spill rotation failed: %v", err)
		return 0, 0
	}
	s.mu.Unlock()

	f, err := os.Open(replay)
	if err != nil {
		return 0, 0
	}
	defer func() {
		f.Close()
		os.Remove(replay)
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var evt Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			failed++
			continue
		}
		if err := emit(evt); err != nil {
			failed++
			continue
		}
		flushed++
	}
	return flushed, failed
}
