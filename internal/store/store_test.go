package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepseq/stepseq/internal/doc"
)

func testHotStore(t *testing.T) *HotStore {
	t.Helper()
	s, err := OpenHotStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testColdStore(t *testing.T) *ColdStore {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewColdStore(ColdConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHotStoreStateRoundTrip(t *testing.T) {
	s := testHotStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadState(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	d := doc.NewDefaultDocument()
	d.Tracks = append(d.Tracks, doc.NewDefaultTrack("t1", "Kick", "kick-01"))
	d.Tempo = 133
	d.Version = 9
	require.NoError(t, s.SaveState(ctx, "s1", d))

	got, ok, err := s.LoadState(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 133, got.Tempo)
	assert.Equal(t, int64(9), got.Version)
	require.Len(t, got.Tracks, 1)
	assert.Equal(t, "t1", got.Tracks[0].ID)

	// Sessions do not leak into each other.
	_, ok, err = s.LoadState(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHotStoreServerSeq(t *testing.T) {
	s := testHotStore(t)
	ctx := context.Background()

	seq, err := s.LoadServerSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, s.SaveServerSeq(ctx, "s1", 4200))
	seq, err = s.LoadServerSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(4200), seq)
}

func TestHotStoreServerSeqNeverRegresses(t *testing.T) {
	s := testHotStore(t)
	ctx := context.Background()

	// Cadence writes race when fired off the actor loop; a late, smaller
	// write must not roll the stored sequence back.
	require.NoError(t, s.SaveServerSeq(ctx, "s1", 200))
	require.NoError(t, s.SaveServerSeq(ctx, "s1", 100))
	seq, err := s.LoadServerSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), seq)

	require.NoError(t, s.SaveServerSeq(ctx, "s1", 300))
	seq, err = s.LoadServerSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), seq)
}

func TestHotStoreSchemaVersion(t *testing.T) {
	s := testHotStore(t)
	ctx := context.Background()

	v, err := s.EnsureSchemaVersion(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)

	// Second call reads the stored value rather than rewriting.
	v, err = s.EnsureSchemaVersion(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestColdStoreRoundTrip(t *testing.T) {
	c := testColdStore(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &SessionRecord{
		ID:        "s1",
		Name:      "Friday Jam",
		CreatedAt: now,
		UpdatedAt: now,
		State:     doc.NewDefaultDocument(),
	}
	rec.State.Tempo = 95
	require.NoError(t, c.Put(ctx, rec))

	got, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Friday Jam", got.Name)
	assert.Equal(t, 95, got.State.Tempo)
	assert.False(t, got.Immutable)
}

func TestColdStoreTouch(t *testing.T) {
	c := testColdStore(t)
	ctx := context.Background()

	rec := &SessionRecord{ID: "s1", Name: "N", State: doc.NewDefaultDocument()}
	require.NoError(t, c.Put(ctx, rec))

	later := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	c.Touch(ctx, "s1", later)

	got, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, later, got.LastAccessedAt.UTC())

	// Touching an absent session is a no-op, not an error.
	c.Touch(ctx, "ghost", later)
}

func TestColdStoreQuotaErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewColdStore(ColdConfig{Addr: mr.Addr()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	rec := &SessionRecord{ID: "s1", State: doc.NewDefaultDocument()}
	require.NoError(t, c.Put(ctx, rec))

	mr.SetError("OOM command not allowed when used memory > 'maxmemory'.")

	err = c.Put(ctx, rec)
	require.Error(t, err)
	assert.True(t, IsQuota(err), "redis OOM on write must map to QuotaError")
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Positive(t, qe.RetryAfter)

	_, err = c.Get(ctx, "s1")
	require.Error(t, err)
	assert.True(t, IsQuota(err), "redis OOM on read must map to QuotaError")
}

func TestUntilMidnightUTC(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, UntilMidnightUTC(at))

	at = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, UntilMidnightUTC(at))
}

func TestIsQuota(t *testing.T) {
	assert.True(t, IsQuota(&QuotaError{RetryAfter: time.Hour}))
	assert.True(t, IsQuota(errors.Join(errors.New("wrap"), &QuotaError{})))
	assert.False(t, IsQuota(errors.New("plain")))
	assert.False(t, IsQuota(nil))
}

func TestQuotaSignalDetection(t *testing.T) {
	assert.True(t, isQuotaSignal(errors.New("OOM command not allowed when used memory > 'maxmemory'")))
	assert.True(t, isQuotaSignal(errors.New("write quota exceeded")))
	assert.False(t, isQuotaSignal(errors.New("connection refused")))
	assert.False(t, isQuotaSignal(nil))
}
