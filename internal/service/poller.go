package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/FAI3/orchestra/internal/log"
	"github.com/FAI3/orchestra/internal/model"
	"github.com/FAI3/orchestra/internal/parallel"
)

// JobSource is the read and stop part of the remote job service.
type JobSource interface {
	// GetJob returns nil and no error for an unknown job.
	GetJob(ctx context.Context, id model.JobID) (*model.Job, error)
	GetJobsByOwner(ctx context.Context, owner string) ([]model.Job, error)
	StopJob(ctx context.Context, id model.JobID) error
}

type PollerConfig struct {
	// Owner selects the jobs discovered at Start. Empty disables discovery.
	Owner        string
	Interval     time.Duration
	Grace        time.Duration
	FetchTimeout time.Duration
	Parallelism  int
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Grace < 0 {
		c.Grace = 0
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 1
	}
	return c
}

type tracked struct {
	job           *model.Job
	terminalAt    time.Time
	stopRequested bool
}

func (t *tracked) terminal() bool {
	return !t.terminalAt.IsZero()
}

// Poller follows remote jobs until they reach a terminal status and drops
// them a grace delay later. Its loop runs only while something is tracked:
// Track starts it and it exits on its own once the tracking set is empty.
type Poller struct {
	source   JobSource
	registry *Registry
	notifier model.Notifier
	cfg      PollerConfig

	mx      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[model.JobID]*tracked
	removed map[model.JobID]struct{}
	running bool
	cycles  int
	wake    chan struct{}
	wg      sync.WaitGroup
}

func NewPoller(source JobSource, registry *Registry, notifier model.Notifier, cfg PollerConfig) *Poller {
	if notifier == nil {
		notifier = model.Notifiers(nil)
	}
	return &Poller{
		source:   source,
		registry: registry,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		jobs:     make(map[model.JobID]*tracked),
		removed:  make(map[model.JobID]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Start subscribes to job registrations and tracks the non terminal jobs of
// the configured owner. The loop lives until ctx is done or Close is called.
// A failed discovery is returned, the poller keeps working without it.
func (p *Poller) Start(ctx context.Context) error {
	p.mx.Lock()
	if p.ctx != nil {
		p.mx.Unlock()
		return errors.New("poller already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mx.Unlock()

	if p.registry != nil {
		p.registry.OnRegister(p.Track)
	}

	var err error
	if p.cfg.Owner != "" {
		err = p.discover(ctx)
	}

	p.mx.Lock()
	p.kick()
	p.mx.Unlock()
	return err
}

func (p *Poller) discover(ctx context.Context) error {
	jobs, err := p.source.GetJobsByOwner(ctx, p.cfg.Owner)
	if err != nil {
		slog.WarnContext(ctx, "job discovery failed", "owner", p.cfg.Owner, "error", err)
		return fmt.Errorf("discovering jobs of %s: %w", p.cfg.Owner, err)
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	var n int
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		if p.add(job.ID) {
			j := job
			p.jobs[job.ID].job = &j
			n++
		}
	}
	slog.DebugContext(ctx, "jobs discovered", "owner", p.cfg.Owner, "count", n)
	return nil
}

// Track adds id to the tracking set and makes sure the loop runs. Ids that
// were already removed are ignored.
func (p *Poller) Track(id model.JobID) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.add(id) {
		p.kick()
	}
}

// add must be called with p.mx held.
func (p *Poller) add(id model.JobID) bool {
	if _, ok := p.removed[id]; ok {
		return false
	}
	if _, ok := p.jobs[id]; ok {
		return false
	}
	p.jobs[id] = &tracked{}
	return true
}

// kick starts the loop or wakes the running one. Must be called with p.mx
// held.
func (p *Poller) kick() {
	if p.ctx == nil || p.ctx.Err() != nil || len(p.jobs) == 0 {
		return
	}
	if p.running {
		select {
		case p.wake <- struct{}{}:
		default:
		}
		return
	}
	p.running = true
	ctx := p.ctx
	p.wg.Go(func() {
		p.loop(ctx)
	})
}

func (p *Poller) loop(ctx context.Context) {
	slog.DebugContext(ctx, "poll loop started")
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		ids, ok := p.begin()
		if !ok {
			break
		}

		results := parallel.Map(ctx, p.cfg.Parallelism, ids, p.fetch)

		wait, ok := p.end(ctx, results)
		if !ok {
			break
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			p.mx.Lock()
			p.running = false
			p.mx.Unlock()
			slog.DebugContext(ctx, "poll loop cancelled")
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
	slog.DebugContext(ctx, "poll loop finished")
}

// begin merges the registered job ids and returns the ids to fetch. It
// reports false, and clears the running flag, when nothing is tracked.
func (p *Poller) begin() ([]model.JobID, bool) {
	var registered []model.JobID
	if p.registry != nil {
		registered = p.registry.JobIDs()
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	for _, id := range registered {
		p.add(id)
	}
	if len(p.jobs) == 0 {
		p.running = false
		return nil, false
	}

	ids := make([]model.JobID, 0, len(p.jobs))
	for id, t := range p.jobs {
		if !t.terminal() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, true
}

func (p *Poller) fetch(ctx context.Context, id model.JobID) (*model.Job, error) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", id.String()))
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}
	job, err := p.source.GetJob(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "fetching job failed", "error", err)
		return nil, err
	}
	return job, nil
}

// end stores the fetched snapshots, stamps the jobs that became terminal and
// drops those past their grace delay. It returns how long to sleep before
// the next cycle, or false when nothing is left to track.
func (p *Poller) end(ctx context.Context, results []parallel.Result[model.JobID, *model.Job]) (time.Duration, bool) {
	var notes []model.Notification

	p.mx.Lock()
	p.cycles++
	now := time.Now()
	for _, r := range results {
		t, ok := p.jobs[r.In]
		if !ok || t.terminal() {
			continue
		}
		if ctx.Err() != nil && errors.Is(r.Err, ctx.Err()) {
			// shutting down, not a job failure
			continue
		}
		job := snapshot(r.In, t.job, r.Out, r.Err)
		t.job = &job
		if !job.Status.IsTerminal() {
			continue
		}
		t.terminalAt = now
		t.stopRequested = false
		notes = append(notes, terminalNotification(job))
	}

	wait := p.cfg.Interval
	for id, t := range p.jobs {
		if !t.terminal() {
			continue
		}
		left := p.cfg.Grace - now.Sub(t.terminalAt)
		if left <= 0 {
			delete(p.jobs, id)
			p.removed[id] = struct{}{}
			continue
		}
		wait = min(wait, left)
	}
	empty := len(p.jobs) == 0
	if empty {
		p.running = false
	}
	p.mx.Unlock()

	for _, n := range notes {
		slog.InfoContext(ctx, "job finished", "job_id", n.JobID, "level", n.Level)
		p.notifier.Notify(ctx, n)
	}
	return wait, !empty
}

// snapshot turns a fetch result into the cached job. Failures and unknown
// statuses become a Failed snapshot, so a broken job cannot stay tracked
// forever.
func snapshot(id model.JobID, prev, got *model.Job, err error) model.Job {
	var job model.Job
	switch {
	case err == nil && got != nil && got.Status != model.StatusUnknown:
		return *got
	case got != nil:
		job = *got
	case prev != nil:
		job = *prev
	}
	job.ID = id
	job.Status = model.StatusFailed
	switch {
	case err != nil:
		job.StatusDetail = err.Error()
	case got == nil:
		job.StatusDetail = "job not found"
	default:
		job.StatusDetail = "unknown job status"
	}
	return job
}

func terminalNotification(job model.Job) model.Notification {
	n := model.Notification{JobID: job.ID}
	switch job.Status {
	case model.StatusCompleted:
		n.Level = model.LevelSuccess
		n.Message = fmt.Sprintf("Job %s completed.", job.ID)
	case model.StatusStopped:
		n.Level = model.LevelInfo
		n.Message = fmt.Sprintf("Job %s stopped.", job.ID)
	default:
		n.Level = model.LevelError
		n.Message = fmt.Sprintf("Job %s failed: %s", job.ID, job.StatusDetail)
	}
	return n
}

// Stop asks the remote service to stop id. The job stays stop-requested
// until the poller observes its terminal status.
func (p *Poller) Stop(ctx context.Context, id model.JobID) error {
	if err := p.source.StopJob(ctx, id); err != nil {
		slog.ErrorContext(ctx, "stopping job failed", "job_id", id, "error", err)
		p.notifier.Notify(ctx, model.Notification{
			Level:   model.LevelError,
			JobID:   id,
			Message: fmt.Sprintf("Failed to stop job %s: %s", id, err),
		})
		return err
	}

	p.mx.Lock()
	added := p.add(id)
	if t, ok := p.jobs[id]; ok && !t.terminal() {
		t.stopRequested = true
	}
	if added {
		p.kick()
	}
	p.mx.Unlock()

	p.notifier.Notify(ctx, model.Notification{
		Level:   model.LevelInfo,
		JobID:   id,
		Message: fmt.Sprintf("Stop requested for job %s.", id),
	})
	return nil
}

// Close stops the loop and waits for it.
func (p *Poller) Close() {
	p.mx.Lock()
	cancel := p.cancel
	p.mx.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Jobs returns the cached snapshots of the tracked jobs ordered by id.
func (p *Poller) Jobs() []model.Job {
	p.mx.Lock()
	defer p.mx.Unlock()
	ret := make([]model.Job, 0, len(p.jobs))
	for _, t := range p.jobs {
		if t.job != nil {
			ret = append(ret, *t.job)
		}
	}
	slices.SortFunc(ret, func(a, b model.Job) int { return cmp.Compare(a.ID, b.ID) })
	return ret
}

// Job returns the cached snapshot of id. It reports false until the first
// successful fetch, or once the job was removed.
func (p *Poller) Job(id model.JobID) (model.Job, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	t, ok := p.jobs[id]
	if !ok || t.job == nil {
		return model.Job{}, false
	}
	return *t.job, true
}

func (p *Poller) Tracked() []model.JobID {
	p.mx.Lock()
	defer p.mx.Unlock()
	return slices.Sorted(maps.Keys(p.jobs))
}

func (p *Poller) StopRequested(id model.JobID) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	t, ok := p.jobs[id]
	return ok && t.stopRequested
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.running
}

// Cycles returns the number of completed poll batches.
func (p *Poller) Cycles() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.cycles
}
