// Package live keeps short-lived per-camera detection snapshots in Redis so
// the UI can poll overlays without touching the pipelines, and tracks
// overlay demand so idle cameras cost nothing.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	detectionTTL     = 10 * time.Second
	overlayDemandTTL = 20 * time.Second
	demandKey        = "fas:overlay_demand"
)

// DetectionSnapshot is the wire payload stored per camera.
type DetectionSnapshot struct {
	CameraID string    `json:"camera_id"`
	TSUnixMS int64     `json:"ts_unix_ms"`
	AgeMS    int64     `json:"age_ms,omitempty"`
	Faces    []FaceBox `json:"faces"`
}

// FaceBox is one tracked face with its identification state. Coordinates are
// normalized to [0,1].
type FaceBox struct {
	TrackID    uint64  `json:"track_id"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
	EmployeeID string  `json:"employee_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Unknown    bool    `json:"unknown"`
}

// Cache wraps a Redis client. A nil Cache is a no-op.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func snapKey(cameraID string) string {
	return fmt.Sprintf("fas:det:latest:%s", cameraID)
}

// Store writes the latest snapshot for a camera with a short TTL.
func (c *Cache) Store(ctx context.Context, snap DetectionSnapshot) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, snapKey(snap.CameraID), data, detectionTTL).Err()
}

// Latest returns the newest snapshot for a camera with its age, or nil when
// none is stored.
func (c *Cache) Latest(ctx context.Context, cameraID string) (*DetectionSnapshot, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	data, err := c.rdb.Get(ctx, snapKey(cameraID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap DetectionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, err
	}
	snap.AgeMS = time.Now().UnixMilli() - snap.TSUnixMS
	return &snap, nil
}

// RefreshDemand records that a viewer wants overlays for cameraID now.
func (c *Cache) RefreshDemand(ctx context.Context, cameraID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.ZAdd(ctx, demandKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: cameraID,
	}).Err()
}

// DemandedCameras lists cameras with overlay demand seen inside the window.
func (c *Cache) DemandedCameras(ctx context.Context) ([]string, error) {
	if c == nil || c.rdb == nil {
		return nil, nil
	}
	cutoff := float64(time.Now().Add(-overlayDemandTTL).UnixMilli())
	return c.rdb.ZRangeByScore(ctx, demandKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", cutoff),
		Max: "+inf",
	}).Result()
}

// ClearDemand removes a camera from demand tracking.
func (c *Cache) ClearDemand(ctx context.Context, cameraID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.ZRem(ctx, demandKey, cameraID).Err()
}
