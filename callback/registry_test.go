package callback

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRegistry(rdb), mr
}

func TestRegistryRegisterLookupDelete(t *testing.T) {
	registry, mr := newTestRegistry(t)
	ctx := context.Background()

	reg := Registration{
		WorkerTaskID: "generate_srt-7",
		RequestID:    "req-1",
		VideoID:      7,
		SliceID:      3,
	}
	require.NoError(t, registry.Register(ctx, "asr-abc", reg))
	require.True(t, mr.Exists("tus_callback:asr-abc"))

	got, err := registry.Lookup(ctx, "asr-abc")
	require.NoError(t, err)
	require.Equal(t, "generate_srt-7", got.WorkerTaskID)
	require.Equal(t, int64(3), got.SliceID)
	require.False(t, got.RegisteredAt.IsZero())

	require.NoError(t, registry.Delete(ctx, "asr-abc"))
	_, err = registry.Lookup(ctx, "asr-abc")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryRegistrationExpires(t *testing.T) {
	registry, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.Register(ctx, "asr-abc", Registration{WorkerTaskID: "w1"}))
	ttl := mr.TTL("tus_callback:asr-abc")
	require.Equal(t, RegistrationTTL, ttl)

	mr.FastForward(RegistrationTTL + time.Second)
	_, err := registry.Lookup(ctx, "asr-abc")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestRegistryResultRoundTripAndTTL(t *testing.T) {
	registry, mr := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, registry.WriteResult(ctx, "asr-abc", Result{
		WorkerTaskID: "w1",
		Status:       "completed",
		SRTKey:       "users/1/projects/2/subtitles/7.srt",
	}))
	require.Equal(t, ResultTTL, mr.TTL("tus_result:asr-abc"))

	res, err := registry.ReadResult(ctx, "asr-abc")
	require.NoError(t, err)
	require.Equal(t, "asr-abc", res.TaskID)
	require.Equal(t, "completed", res.Status)
	require.Equal(t, "users/1/projects/2/subtitles/7.srt", res.SRTKey)
	require.False(t, res.CompletedAt.IsZero())

	mr.FastForward(ResultTTL + time.Second)
	_, err = registry.ReadResult(ctx, "asr-abc")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestServerLockSingleHolder(t *testing.T) {
	registry, _ := newTestRegistry(t)
	ctx := context.Background()

	ok, err := registry.AcquireServerLock(ctx, "host-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = registry.AcquireServerLock(ctx, "host-b")
	require.NoError(t, err)
	require.False(t, ok, "second acquire must fail while held")

	// Refresh only works for the holder.
	require.NoError(t, registry.RefreshServerLock(ctx, "host-a"))
	require.Error(t, registry.RefreshServerLock(ctx, "host-b"))

	// Release by a non-holder is a no-op.
	require.NoError(t, registry.ReleaseServerLock(ctx, "host-b"))
	require.Error(t, registry.RefreshServerLock(ctx, "host-b"))
	require.NoError(t, registry.RefreshServerLock(ctx, "host-a"))

	require.NoError(t, registry.ReleaseServerLock(ctx, "host-a"))
	ok, err = registry.AcquireServerLock(ctx, "host-b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestServerLockExpires(t *testing.T) {
	registry, mr := newTestRegistry(t)
	ctx := context.Background()

	ok, err := registry.AcquireServerLock(ctx, "host-a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(serverLockTTL + time.Second)

	ok, err = registry.AcquireServerLock(ctx, "host-b")
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be acquirable")
}
