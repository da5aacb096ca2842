package service_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/FAI3/orchestra/internal/model"
	"github.com/FAI3/orchestra/internal/service"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := service.NewRegistry()
	var seen []model.JobID
	reg.OnRegister(func(id model.JobID) { seen = append(seen, id) })

	run1 := uuid.New()
	run2 := uuid.New()

	t.Run("reserve", func(t *testing.T) {
		require.NoError(t, reg.Reserve(model.KindFairness, run1))
		e, ok := reg.Lookup(model.KindFairness)
		require.True(t, ok)
		require.Equal(t, run1, e.RunID)
		require.Zero(t, e.JobID)
		require.NotZero(t, e.Started)
	})
	t.Run("conflict", func(t *testing.T) {
		err := reg.Reserve(model.KindFairness, run2)
		require.ErrorIs(t, err, model.ErrConflict)
		e, _ := reg.Lookup(model.KindFairness)
		require.Equal(t, run1, e.RunID)
	})
	t.Run("register", func(t *testing.T) {
		require.True(t, reg.Register(model.KindFairness, run1, 7))
		require.True(t, reg.Register(model.KindFairness, run1, 8))
		require.False(t, reg.Register(model.KindFairness, run2, 9))
		require.False(t, reg.Register(model.KindCAT, run1, 10))

		e, _ := reg.Lookup(model.KindFairness)
		require.Equal(t, model.JobID(8), e.JobID)
		require.Equal(t, []model.JobID{7, 8}, e.JobIDs)
		require.Equal(t, []model.JobID{7, 8}, seen)
		require.ElementsMatch(t, []model.JobID{7, 8}, reg.JobIDs())
	})
	t.Run("copies", func(t *testing.T) {
		e, _ := reg.Lookup(model.KindFairness)
		e.JobIDs[0] = 100
		e2, _ := reg.Lookup(model.KindFairness)
		require.Equal(t, model.JobID(7), e2.JobIDs[0])
	})
	t.Run("release other run", func(t *testing.T) {
		reg.Release(model.KindFairness, run2)
		_, ok := reg.Lookup(model.KindFairness)
		require.True(t, ok)
	})
	t.Run("active", func(t *testing.T) {
		require.NoError(t, reg.Reserve(model.KindCAT, run2))
		active := reg.Active()
		require.Len(t, active, 2)
		require.False(t, active[1].Started.Before(active[0].Started))
		require.ElementsMatch(t,
			[]model.TestKind{model.KindCAT, model.KindFairness},
			[]model.TestKind{active[0].Kind, active[1].Kind})
	})
	t.Run("release", func(t *testing.T) {
		reg.Release(model.KindFairness, run1)
		_, ok := reg.Lookup(model.KindFairness)
		require.False(t, ok)
		require.NoError(t, reg.Reserve(model.KindFairness, uuid.New()))
	})
}

func TestRegistryReserveRace(t *testing.T) {
	t.Parallel()

	reg := service.NewRegistry()
	var wg sync.WaitGroup
	var mx sync.Mutex
	var won int
	for range 32 {
		wg.Go(func() {
			if reg.Reserve(model.KindCAT, uuid.New()) == nil {
				mx.Lock()
				won++
				mx.Unlock()
			}
		})
	}
	wg.Wait()
	require.Equal(t, 1, won)
	require.Len(t, reg.Active(), 1)
}
