package fts

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/technosupport/ts-fas/internal/identity"
)

var (
	ErrNoFace        = errors.New("no face detected in image")
	ErrMultipleFaces = errors.New("multiple faces detected in image")
)

// Enroll registers an employee face from an image. The image must contain
// exactly one face above the detect threshold; the resulting embedding is
// added to the index and the index file is rewritten.
func (c *Controller) Enroll(employeeID, displayName string, imageBytes []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrNotRunning
	}

	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return fmt.Errorf("decode enrollment image: %w", err)
	}

	dets, err := c.models.Detector().Detect(img)
	if err != nil {
		return fmt.Errorf("enroll detect: %w", err)
	}

	faces := dets[:0:0]
	for _, d := range dets {
		if d.Confidence >= c.cfg.Detect.Threshold {
			faces = append(faces, d)
		}
	}
	switch {
	case len(faces) == 0:
		return ErrNoFace
	case len(faces) > 1:
		return fmt.Errorf("%w: found %d", ErrMultipleFaces, len(faces))
	}

	vecs, err := c.models.Embedder().Embed(img, faces)
	if err != nil {
		return fmt.Errorf("enroll embed: %w", err)
	}
	if len(vecs) != 1 {
		return fmt.Errorf("enroll embed: expected one embedding, got %d", len(vecs))
	}

	if err := c.index.Add(employeeID, displayName, vecs[0], time.Now().UTC()); err != nil {
		return err
	}
	if err := c.index.Persist(c.cfg.Models.IndexPath); err != nil {
		// The identity is live in memory; the file catches up on the next
		// persist, so report but do not roll back.
		log.Printf("[FTS] index persist after enroll failed: %v", err)
	}

	log.Printf("[FTS] enrolled %s (%s), index size %d", employeeID, displayName, c.index.Count())
	return nil
}

// RemoveIdentity deletes an enrolled employee and rewrites the index file.
func (c *Controller) RemoveIdentity(employeeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrNotRunning
	}
	if err := c.index.Remove(employeeID); err != nil {
		return err
	}
	if err := c.index.Persist(c.cfg.Models.IndexPath); err != nil {
		log.Printf("[FTS] index persist after removal failed: %v", err)
	}
	return nil
}

// Identities lists enrolled records without vectors.
type IdentitySummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

func (c *Controller) Identities() ([]IdentitySummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, ErrNotRunning
	}
	records := c.index.Records()
	out := make([]IdentitySummary, len(records))
	for i, r := range records {
		out[i] = IdentitySummary{ID: r.ID, Name: r.Name, EnrolledAt: r.EnrolledAt}
	}
	return out, nil
}

// ErrDuplicate re-exports identity.ErrDuplicate so callers of this package
// can match it without importing identity.
var ErrDuplicate = identity.ErrDuplicate
