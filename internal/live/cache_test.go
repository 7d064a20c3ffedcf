package live_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-fas/internal/live"
)

func newCache(t *testing.T) (*live.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return live.NewCache(rdb), mr
}

func TestStoreAndLatest(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	snap := live.DetectionSnapshot{
		CameraID: "cam1",
		TSUnixMS: time.Now().UnixMilli() - 250,
		Faces: []live.FaceBox{
			{TrackID: 7, X: 0.1, Y: 0.2, W: 0.3, H: 0.3, EmployeeID: "E001", Score: 0.91},
			{TrackID: 8, X: 0.5, Y: 0.5, W: 0.2, H: 0.2, Unknown: true},
		},
	}
	require.NoError(t, cache.Store(ctx, snap))

	got, err := cache.Latest(ctx, "cam1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Faces, 2)
	require.Equal(t, "E001", got.Faces[0].EmployeeID)
	require.GreaterOrEqual(t, got.AgeMS, int64(200))
}

func TestLatestMissingReturnsNil(t *testing.T) {
	cache, _ := newCache(t)
	got, err := cache.Latest(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSnapshotExpires(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, live.DetectionSnapshot{CameraID: "cam1", TSUnixMS: time.Now().UnixMilli()}))
	mr.FastForward(11 * time.Second)

	got, err := cache.Latest(ctx, "cam1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOverlayDemandWindow(t *testing.T) {
	cache, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, cache.RefreshDemand(ctx, "cam1"))
	require.NoError(t, cache.RefreshDemand(ctx, "cam2"))

	cams, err := cache.DemandedCameras(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"cam1", "cam2"}, cams)

	require.NoError(t, cache.ClearDemand(ctx, "cam1"))
	cams, err = cache.DemandedCameras(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"cam2"}, cams)
}

func TestNilCacheIsNoOp(t *testing.T) {
	var cache *live.Cache
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, live.DetectionSnapshot{CameraID: "x"}))
	got, err := cache.Latest(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, cache.RefreshDemand(ctx, "x"))
}
