package hybrid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sferrors "github.com/stratafs/stratafs/pkg/errors"
	"github.com/stratafs/stratafs/pkg/types"
)

func TestTierForAge(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want types.StorageTier
	}{
		{"fresh file", time.Hour, types.TierWarm},
		{"just under cold threshold", ColdAge - time.Minute, types.TierWarm},
		{"past cold threshold", ColdAge + time.Minute, types.TierCold},
		{"just under archive threshold", ArchiveAge - time.Minute, types.TierCold},
		{"past archive threshold", ArchiveAge + time.Minute, types.TierArchive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierForAge(tt.age))
		})
	}
}

func TestStat_AgeDerivedTier(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, "/old.dat", []byte("x")))
	require.NoError(t, a.Write(ctx, "/ancient.dat", []byte("y")))
	require.NoError(t, a.Write(ctx, "/recent.dat", []byte("z")))

	// Pin the clock so ages are exact relative to the writes above.
	base := time.Now()
	a.now = func() time.Time { return base.Add(45 * 24 * time.Hour) }

	vf, err := a.Stat(ctx, "/old.dat")
	require.NoError(t, err)
	assert.Equal(t, types.TierCold, vf.Tier.CurrentTier)

	a.now = func() time.Time { return base.Add(120 * 24 * time.Hour) }
	vf, err = a.Stat(ctx, "/ancient.dat")
	require.NoError(t, err)
	assert.Equal(t, types.TierArchive, vf.Tier.CurrentTier)
	assert.Equal(t, 4*time.Hour, vf.Tier.RetrievalEstimate)

	a.now = time.Now
	vf, err = a.Stat(ctx, "/recent.dat")
	require.NoError(t, err)
	assert.Equal(t, types.TierWarm, vf.Tier.CurrentTier)
}

func TestList_DirectoriesAlwaysWarm(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.CreateDir(ctx, "/dir"))
	require.NoError(t, a.Write(ctx, "/file.dat", []byte("x")))

	base := time.Now()
	a.now = func() time.Time { return base.Add(200 * 24 * time.Hour) }

	files, err := a.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.True(t, files[0].IsDir)
	assert.Equal(t, types.TierWarm, files[0].Tier.CurrentTier, "directory age is meaningless")
	assert.Equal(t, types.TierArchive, files[1].Tier.CurrentTier)
}

func TestSetTier_RewriteRefreshesAge(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, "/stale.dat", []byte("payload")))

	base := time.Now()
	a.now = func() time.Time { return base.Add(60 * 24 * time.Hour) }
	vf, err := a.Stat(ctx, "/stale.dat")
	require.NoError(t, err)
	require.Equal(t, types.TierCold, vf.Tier.CurrentTier)

	// The rewrite resets mtime, so the heuristic reads Warm again.
	require.NoError(t, a.SetTier(ctx, "/stale.dat", types.TierWarm))
	a.now = time.Now
	vf, err = a.Stat(ctx, "/stale.dat")
	require.NoError(t, err)
	assert.Equal(t, types.TierWarm, vf.Tier.CurrentTier)

	data, err := a.Read(ctx, "/stale.dat")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data, "content survives the rewrite")
}

func TestSetTier_DemotionUnsupported(t *testing.T) {
	a, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Write(ctx, "/f.dat", []byte("x")))

	assert.True(t, sferrors.IsUnsupported(a.SetTier(ctx, "/f.dat", types.TierCold)))
	assert.True(t, sferrors.IsUnsupported(a.SetTier(ctx, "/f.dat", types.TierArchive)))
}
