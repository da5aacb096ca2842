package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/FAI3/orchestra/internal/log"
	"github.com/FAI3/orchestra/internal/model"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Evaluator is the privileged part of the remote job service used by the
// Dispatcher on behalf of execution units.
type Evaluator interface {
	ContextAssociationTest(ctx context.Context, modelID model.ModelID, maxQueries int, seed uint32, shuffle bool) (model.JobID, error)
	CalculateLLMMetrics(ctx context.Context, modelID model.ModelID, dataset string, maxQueries int, seed uint32) (model.JobID, error)
	AverageLLMMetrics(ctx context.Context, modelID model.ModelID, datasets []string) (json.RawMessage, error)
	LLMEvaluateLanguages(ctx context.Context, modelID model.ModelID, languages []string, maxQueries int, seed uint32) (model.JobID, error)
}

// Dispatcher owns the credentialed connection. It starts an execution unit
// per launched test and performs the remote calls the unit asks for.
type Dispatcher struct {
	remote   Evaluator
	registry *Registry
	notifier model.Notifier

	runsMx sync.Mutex
	runs   map[model.TestKind]*Run
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(remote Evaluator, registry *Registry, notifier model.Notifier) *Dispatcher {
	if notifier == nil {
		notifier = model.Notifiers(nil)
	}
	return &Dispatcher{
		remote:   remote,
		registry: registry,
		notifier: notifier,
		runs:     make(map[model.TestKind]*Run),
	}
}

// Run is the handle of one launched test. Its outcome is available once
// Done is closed.
type Run struct {
	ID      uuid.UUID
	Request model.TestRequest

	cancel  context.CancelCauseFunc
	done    chan struct{}
	outcome model.Outcome
}

// Cancel stops the execution unit, releases its registry entry and waits
// for the run to finish. Jobs already created on the remote service keep
// running.
func (r *Run) Cancel() {
	r.cancel(model.ErrCancelled)
	<-r.done
}

func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the outcome of a finished run.
func (r *Run) Outcome() (model.Outcome, bool) {
	select {
	case <-r.done:
		return r.outcome, true
	default:
		return model.Outcome{}, false
	}
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (model.Outcome, error) {
	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return model.Outcome{}, ctx.Err()
	}
}

// Launch starts req in a new execution unit. It returns model.ErrConflict
// when a run of the same kind is active; no unit is created then.
// The run is not bound to ctx cancellation, use Run.Cancel.
// Notifications are sent without holding the dispatcher lock, so a slow
// notifier never delays runs of other kinds.
func (d *Dispatcher) Launch(ctx context.Context, req model.TestRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	run := &Run{
		ID:      uuid.New(),
		Request: req,
		done:    make(chan struct{}),
	}

	d.runsMx.Lock()
	if d.closed {
		d.runsMx.Unlock()
		return nil, ErrDispatcherClosed
	}
	if err := d.registry.Reserve(req.Kind, run.ID); err != nil {
		d.runsMx.Unlock()
		slog.WarnContext(ctx, "test already running: rejecting launch", "kind", req.Kind)
		d.notifier.Notify(ctx, model.Notification{
			Level:   model.LevelError,
			Kind:    req.Kind,
			Message: fmt.Sprintf("%s is already running.", req.Kind),
		})
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx = log.ContextAttrs(runCtx,
		slog.String("run_id", run.ID.String()),
		slog.String("kind", string(req.Kind)),
	)
	run.cancel = cancel
	d.runs[req.Kind] = run
	// counted before unlocking, Close must wait for goroutines started below
	d.wg.Add(2)
	d.runsMx.Unlock()

	d.notifier.Notify(runCtx, model.Notification{
		Level:   model.LevelInfo,
		Kind:    req.Kind,
		Message: fmt.Sprintf("%s is running.", req.Kind),
	})
	slog.InfoContext(runCtx, "launching test", "model_id", req.ModelID)

	calls := make(chan model.CallRequest)
	replies := make(chan model.CallReply)
	complete := make(chan model.Outcome, 1)
	unitDone := make(chan struct{})

	u := newUnit(req, calls, replies)
	go func() {
		defer d.wg.Done()
		defer close(unitDone)
		complete <- u.run(runCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.relay(runCtx, run, calls, replies, complete, unitDone)
	}()
	return run, nil
}

// Cancel cancels the active run of kind. It reports whether there was one.
func (d *Dispatcher) Cancel(kind model.TestKind) bool {
	d.runsMx.Lock()
	run, ok := d.runs[kind]
	d.runsMx.Unlock()
	if !ok {
		return false
	}
	run.Cancel()
	return true
}

// Active returns the active process entries.
func (d *Dispatcher) Active() []model.ProcessEntry {
	return d.registry.Active()
}

// Close cancels all runs and waits for their goroutines.
func (d *Dispatcher) Close() {
	d.runsMx.Lock()
	d.closed = true
	runs := make([]*Run, 0, len(d.runs))
	for _, run := range d.runs {
		runs = append(runs, run)
	}
	d.runsMx.Unlock()

	for _, run := range runs {
		run.cancel(model.ErrCancelled)
	}
	d.wg.Wait()
}

// relay serves the calls of one unit until it completes or the run is
// cancelled, then releases the unit and the registry entry.
func (d *Dispatcher) relay(ctx context.Context, run *Run, calls <-chan model.CallRequest, replies chan<- model.CallReply, complete <-chan model.Outcome, unitDone <-chan struct{}) {
	var out model.Outcome
loop:
	for {
		select {
		case call := <-calls:
			reply := d.execute(ctx, run, call)
			select {
			case replies <- reply:
			case <-ctx.Done():
			}
		case out = <-complete:
			break loop
		case <-ctx.Done():
			out = model.Outcome{Kind: run.Request.Kind, Error: context.Cause(ctx).Error()}
			break loop
		}
	}

	cancelled := ctx.Err() != nil
	if cancelled && !out.Success {
		// the unit may have seen the cancellation as a failed call
		out = model.Outcome{Kind: run.Request.Kind, Error: context.Cause(ctx).Error()}
	}
	run.cancel(nil)
	<-unitDone

	kind := run.Request.Kind
	d.registry.Release(kind, run.ID)
	d.runsMx.Lock()
	if d.runs[kind] == run {
		delete(d.runs, kind)
	}
	d.runsMx.Unlock()

	n := model.Notification{Kind: kind}
	switch {
	case out.Success:
		slog.InfoContext(ctx, "test completed")
		n.Level = model.LevelSuccess
		n.Message = fmt.Sprintf("%s completed successfully.", kind)
	case cancelled:
		slog.InfoContext(ctx, "test cancelled")
		n.Level = model.LevelInfo
		n.Message = fmt.Sprintf("%s was cancelled.", kind)
	default:
		slog.ErrorContext(ctx, "test failed", "error", out.Error)
		n.Level = model.LevelError
		n.Message = fmt.Sprintf("Error in %s: %s", kind, out.Error)
	}
	d.notifier.Notify(context.WithoutCancel(ctx), n)

	run.outcome = out
	close(run.done)
}

// execute performs one call. Failures, panics included, become a failure
// reply; they never terminate the relay.
func (d *Dispatcher) execute(ctx context.Context, run *Run, call model.CallRequest) (reply model.CallReply) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "remote call panicked", "method", call.Method, "panic", r)
			reply = model.CallReply{ID: call.ID, Error: fmt.Sprintf("%s: %v", call.Method, r)}
		}
	}()

	jobID, created, data, err := d.invoke(ctx, call)
	if err != nil {
		slog.WarnContext(ctx, "remote call failed", "method", call.Method, "error", err)
		return model.CallReply{ID: call.ID, Error: err.Error()}
	}
	if created {
		// tracked right away, the sequence may still be running
		d.registry.Register(run.Request.Kind, run.ID, jobID)
		slog.DebugContext(ctx, "job registered", "method", call.Method, "job_id", jobID)
	}
	return model.CallReply{ID: call.ID, Success: true, JobID: jobID, Data: data}
}

// invoke performs the remote call. created reports whether the method
// creates a job, the job id itself is opaque and may be zero.
func (d *Dispatcher) invoke(ctx context.Context, call model.CallRequest) (id model.JobID, created bool, data any, err error) {
	a := call.Args
	switch call.Method {
	case model.MethodContextAssociationTest:
		id, err = d.remote.ContextAssociationTest(ctx, a.ModelID, a.MaxQueries, a.Seed, a.Shuffle)
		return id, true, id, err
	case model.MethodCalculateLLMMetrics:
		id, err = d.remote.CalculateLLMMetrics(ctx, a.ModelID, a.Dataset, a.MaxQueries, a.Seed)
		return id, true, id, err
	case model.MethodAverageLLMMetrics:
		var raw json.RawMessage
		raw, err = d.remote.AverageLLMMetrics(ctx, a.ModelID, a.Datasets)
		return 0, false, raw, err
	case model.MethodLLMEvaluateLanguages:
		id, err = d.remote.LLMEvaluateLanguages(ctx, a.ModelID, a.Languages, a.MaxQueries, a.Seed)
		return id, true, id, err
	default:
		return 0, false, nil, fmt.Errorf("unsupported method %q", call.Method)
	}
}
