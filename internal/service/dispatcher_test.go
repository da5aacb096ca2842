package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FAI3/orchestra/internal/ledger/ledgertest"
	"github.com/FAI3/orchestra/internal/model"
	"github.com/FAI3/orchestra/internal/service"
)

type recorder struct {
	mx    sync.Mutex
	notes []model.Notification
}

func (r *recorder) Notify(_ context.Context, n model.Notification) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) Messages() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	ret := make([]string, len(r.notes))
	for i, n := range r.notes {
		ret[i] = n.Message
	}
	return ret
}

func (r *recorder) Notes() []model.Notification {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Notification(nil), r.notes...)
}

type fixture struct {
	remote     *ledgertest.Fake
	registry   *service.Registry
	notes      *recorder
	dispatcher *service.Dispatcher
	registered chan model.JobID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		remote:     ledgertest.New("alice"),
		registry:   service.NewRegistry(),
		notes:      &recorder{},
		registered: make(chan model.JobID, 16),
	}
	f.registry.OnRegister(func(id model.JobID) { f.registered <- id })
	f.dispatcher = service.NewDispatcher(f.remote, f.registry, f.notes)
	t.Cleanup(f.dispatcher.Close)
	return f
}

func wait(t *testing.T, run *service.Run) model.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	out, err := run.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestDispatcherCAT(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := model.TestRequest{Kind: model.KindCAT, ModelID: 3, MaxQueries: 10, Seed: 42, Shuffle: true}
	run, err := f.dispatcher.Launch(t.Context(), req)
	require.NoError(t, err)
	require.NotZero(t, run.ID)

	out := wait(t, run)
	require.True(t, out.Success)
	require.Equal(t, model.JobID(1), out.Data)
	require.Equal(t, model.JobID(1), <-f.registered)

	calls := f.remote.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, model.MethodContextAssociationTest, calls[0].Method)
	require.Equal(t, model.CallArgs{ModelID: 3, MaxQueries: 10, Seed: 42, Shuffle: true}, calls[0].Args)

	require.Equal(t, []string{"CAT is running.", "CAT completed successfully."}, f.notes.Messages())
	require.Empty(t, f.registry.Active())

	outcome, ok := run.Outcome()
	require.True(t, ok)
	require.Equal(t, out, outcome)
}

func TestDispatcherZeroJobID(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.remote.StartAt(0)

	run, err := f.dispatcher.Launch(t.Context(), model.TestRequest{Kind: model.KindCAT, ModelID: 3, MaxQueries: 1})
	require.NoError(t, err)

	out := wait(t, run)
	require.True(t, out.Success)
	require.Equal(t, model.JobID(0), out.Data)
	require.Equal(t, model.JobID(0), <-f.registered)
}

func TestDispatcherConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	release := f.remote.Hold(model.MethodContextAssociationTest)
	req := model.TestRequest{Kind: model.KindCAT, ModelID: 1, MaxQueries: 1}
	run, err := f.dispatcher.Launch(t.Context(), req)
	require.NoError(t, err)

	_, err = f.dispatcher.Launch(t.Context(), req)
	require.ErrorIs(t, err, model.ErrConflict)

	active := f.dispatcher.Active()
	require.Len(t, active, 1)
	require.Equal(t, run.ID, active[0].RunID)

	// another kind is not blocked
	other, err := f.dispatcher.Launch(t.Context(), model.TestRequest{
		Kind: model.KindKaleidoscope, ModelID: 1, MaxQueries: 1, Languages: []string{"en"},
	})
	require.NoError(t, err)
	require.True(t, wait(t, other).Success)

	release()
	require.True(t, wait(t, run).Success)

	var cat int
	for _, c := range f.remote.Calls() {
		if c.Method == model.MethodContextAssociationTest {
			cat++
		}
	}
	require.Equal(t, 1, cat)
	require.Contains(t, f.notes.Messages(), "CAT is already running.")

	// the kind is free again
	run, err = f.dispatcher.Launch(t.Context(), req)
	require.NoError(t, err)
	require.True(t, wait(t, run).Success)
}

func TestDispatcherFairness(t *testing.T) {
	t.Parallel()

	req := model.TestRequest{
		Kind:       model.KindFairness,
		ModelID:    7,
		MaxQueries: 20,
		Seed:       3,
		Dataset:    []string{"adult", "compas", "german"},
	}

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.remote.Average = json.RawMessage(`{"accuracy":0.75}`)

		run, err := f.dispatcher.Launch(t.Context(), req)
		require.NoError(t, err)
		out := wait(t, run)
		require.True(t, out.Success)
		require.JSONEq(t, `{"accuracy":0.75}`, string(out.Data.(json.RawMessage)))

		calls := f.remote.Calls()
		require.Len(t, calls, 4)
		for i, d := range req.Dataset {
			require.Equal(t, model.MethodCalculateLLMMetrics, calls[i].Method)
			require.Equal(t, model.CallArgs{ModelID: 7, Dataset: d, MaxQueries: 20, Seed: 3}, calls[i].Args)
		}
		require.Equal(t, model.MethodAverageLLMMetrics, calls[3].Method)
		require.Equal(t, req.Dataset, calls[3].Args.Datasets)

		require.Equal(t, model.JobID(1), <-f.registered)
		require.Equal(t, model.JobID(2), <-f.registered)
		require.Equal(t, model.JobID(3), <-f.registered)
		require.Equal(t, "FAIRNESS completed successfully.", f.notes.Messages()[1])
	})

	t.Run("abort on first failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.remote.FailCall(model.MethodCalculateLLMMetrics, "compas", errors.New("quota exceeded"))

		run, err := f.dispatcher.Launch(t.Context(), req)
		require.NoError(t, err)
		out := wait(t, run)
		require.False(t, out.Success)
		require.Equal(t, "calculate_llm_metrics(compas): quota exceeded", out.Error)
		require.Len(t, f.remote.Calls(), 2)

		// the job of the first dataset stays known
		require.Equal(t, model.JobID(1), <-f.registered)
		require.Empty(t, f.registry.Active())

		notes := f.notes.Notes()
		require.Len(t, notes, 2)
		require.Equal(t, model.LevelError, notes[1].Level)
		require.Equal(t, "Error in FAIRNESS: calculate_llm_metrics(compas): quota exceeded", notes[1].Message)
	})
}

func TestDispatcherInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	for _, req := range []model.TestRequest{
		{Kind: model.KindFairness, ModelID: 1, MaxQueries: 1},
		{Kind: model.KindKaleidoscope, ModelID: 1, MaxQueries: 1},
		{Kind: model.KindCAT, ModelID: 1},
	} {
		_, err := f.dispatcher.Launch(t.Context(), req)
		require.ErrorIs(t, err, model.ErrInvalidRequest)
	}
	require.Empty(t, f.registry.Active())
	require.Empty(t, f.remote.Calls())
	require.Empty(t, f.notes.Messages())
}

func TestDispatcherUnknownKind(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	run, err := f.dispatcher.Launch(t.Context(), model.TestRequest{Kind: "BIAS"})
	require.NoError(t, err)
	out := wait(t, run)
	require.False(t, out.Success)
	require.Equal(t, "Unknown test type", out.Error)
	require.Empty(t, f.remote.Calls())
	require.Equal(t, []string{"BIAS is running.", "Error in BIAS: Unknown test type"}, f.notes.Messages())
}

func TestDispatcherCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	release := f.remote.Hold(model.MethodCalculateLLMMetrics)
	t.Cleanup(release)

	req := model.TestRequest{Kind: model.KindFairness, ModelID: 1, MaxQueries: 1, Dataset: []string{"a", "b"}}
	run, err := f.dispatcher.Launch(t.Context(), req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.remote.Calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, f.dispatcher.Cancel(model.KindFairness))
	require.False(t, f.dispatcher.Cancel(model.KindFairness))

	out, ok := run.Outcome()
	require.True(t, ok)
	require.False(t, out.Success)
	require.Equal(t, model.ErrCancelled.Error(), out.Error)
	require.Empty(t, f.registry.Active())
	require.Equal(t, "FAIRNESS was cancelled.", f.notes.Messages()[1])

	run.Cancel() // no-op once finished
}

func TestDispatcherLaunchContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	release := f.remote.Hold(model.MethodContextAssociationTest)
	ctx, cancel := context.WithCancel(t.Context())
	run, err := f.dispatcher.Launch(ctx, model.TestRequest{Kind: model.KindCAT, MaxQueries: 1})
	require.NoError(t, err)
	cancel()

	select {
	case <-run.Done():
		t.Fatal("run must outlive the launch context")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.True(t, wait(t, run).Success)
}

type panicking struct {
	*ledgertest.Fake
}

func (panicking) LLMEvaluateLanguages(context.Context, model.ModelID, []string, int, uint32) (model.JobID, error) {
	panic("nil map")
}

func TestDispatcherPanic(t *testing.T) {
	t.Parallel()

	notes := &recorder{}
	d := service.NewDispatcher(panicking{ledgertest.New("x")}, service.NewRegistry(), notes)
	t.Cleanup(d.Close)

	run, err := d.Launch(t.Context(), model.TestRequest{
		Kind: model.KindKaleidoscope, MaxQueries: 1, Languages: []string{"en"},
	})
	require.NoError(t, err)
	out := wait(t, run)
	require.False(t, out.Success)
	require.Equal(t, "llm_evaluate_languages: nil map", out.Error)

	// the dispatcher keeps serving
	run, err = d.Launch(t.Context(), model.TestRequest{Kind: model.KindCAT, MaxQueries: 1})
	require.NoError(t, err)
	require.True(t, wait(t, run).Success)
}

func TestDispatcherClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	release := f.remote.Hold(model.MethodContextAssociationTest)
	t.Cleanup(release)

	run, err := f.dispatcher.Launch(t.Context(), model.TestRequest{Kind: model.KindCAT, MaxQueries: 1})
	require.NoError(t, err)

	f.dispatcher.Close()
	out, ok := run.Outcome()
	require.True(t, ok)
	require.False(t, out.Success)

	_, err = f.dispatcher.Launch(t.Context(), model.TestRequest{Kind: model.KindCAT, MaxQueries: 1})
	require.ErrorIs(t, err, service.ErrDispatcherClosed)
}

// gate holds the notifications of one kind until open is closed.
type gate struct {
	*recorder
	kind    model.TestKind
	open    chan struct{}
	entered chan struct{}
}

func (g *gate) Notify(ctx context.Context, n model.Notification) {
	if n.Kind == g.kind {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.open
	}
	g.recorder.Notify(ctx, n)
}

func TestDispatcherSlowNotifier(t *testing.T) {
	t.Parallel()

	notes := &gate{
		recorder: &recorder{},
		kind:     model.KindCAT,
		open:     make(chan struct{}),
		entered:  make(chan struct{}, 1),
	}
	d := service.NewDispatcher(ledgertest.New("x"), service.NewRegistry(), notes)
	t.Cleanup(d.Close)
	var once sync.Once
	openGate := func() { once.Do(func() { close(notes.open) }) }
	t.Cleanup(openGate)

	catRun := make(chan *service.Run, 1)
	go func() {
		run, err := d.Launch(context.Background(), model.TestRequest{Kind: model.KindCAT, MaxQueries: 1})
		if err == nil {
			catRun <- run
		}
		close(catRun)
	}()
	<-notes.entered

	type launched struct {
		run *service.Run
		err error
	}
	other := make(chan launched, 1)
	go func() {
		run, err := d.Launch(t.Context(), model.TestRequest{
			Kind: model.KindKaleidoscope, MaxQueries: 1, Languages: []string{"en"},
		})
		other <- launched{run, err}
	}()

	var l launched
	select {
	case l = <-other:
	case <-time.After(5 * time.Second):
		t.Fatal("KALEIDOSCOPE launch waits for a CAT notification")
	}
	require.NoError(t, l.err)
	require.True(t, wait(t, l.run).Success)
	require.Equal(t, []string{"KALEIDOSCOPE is running.", "KALEIDOSCOPE completed successfully."}, notes.Messages())

	openGate()
	run, ok := <-catRun
	require.True(t, ok)
	require.True(t, wait(t, run).Success)
}
