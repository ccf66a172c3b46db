package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/rack-monitor/internal/probe"
)

// backends returns the stores under test. Redis is included when
// RACK_TEST_REDIS_URL names a scratch server.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemory(LogCapacity)}
	if url := os.Getenv("RACK_TEST_REDIS_URL"); url != "" {
		r, err := NewRedis(url, fmt.Sprintf("racktest-%d", time.Now().UnixNano()))
		require.NoError(t, err)
		t.Cleanup(func() {
			r.client.Del(context.Background(), r.paramsKey, r.eventsKey)
			r.Close()
		})
		out["redis"] = r
	}
	return out
}

func TestParams(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.LoadParams(ctx)
			require.ErrorIs(t, err, ErrNotFound)

			p := probe.DefaultParams()
			p.OpenCircuit[0][3] = 10450
			p.Calibration.Band = 150
			require.NoError(t, s.SaveParams(ctx, p))

			got, err := s.LoadParams(ctx)
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestLoadOrSeed(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			p, seeded, err := LoadOrSeed(ctx, s)
			require.NoError(t, err)
			assert.True(t, seeded)
			assert.Equal(t, probe.DefaultParams(), p)

			_, seeded, err = LoadOrSeed(ctx, s)
			require.NoError(t, err)
			assert.False(t, seeded)
		})
	}
}

func TestEventLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, s.Append(ctx, Record{Time: base.Add(time.Duration(i) * time.Second), Kind: "TANK", To: fmt.Sprint(i)}))
			}
			got, err := s.Recent(ctx, 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "4", got[0].To)
			assert.Equal(t, "2", got[2].To)
			assert.True(t, got[0].Time.Equal(base.Add(4*time.Second)))

			all, err := s.Recent(ctx, 100)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestMemoryLogWraps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Append(ctx, Record{Kind: fmt.Sprint(i)}))
	}
	got, err := m.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"9", "8", "7", "6"}, []string{got[0].Kind, got[1].Kind, got[2].Kind, got[3].Kind})

	none, err := m.Recent(ctx, -1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOpen(t *testing.T) {
	s, err := Open("memory")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open("")
	require.NoError(t, err)
	assert.NoError(t, s.Close())

	_, err = Open("etcd://localhost")
	assert.Error(t, err)

	_, err = Open("redis://%zz")
	assert.Error(t, err)
}
