// Package ledgertest provides an in-memory remote job service for tests.
package ledgertest

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/FAI3/orchestra/internal/model"
)

// Call records one evaluation call received by the Fake.
type Call struct {
	Method model.Method
	Args   model.CallArgs
}

// Fake is an in-memory remote job service. Every evaluation call creates a
// Pending job owned by Owner; tests drive the job lifecycle with SetStatus.
type Fake struct {
	Owner   string
	Average json.RawMessage

	mu       sync.Mutex
	nextID   model.JobID
	jobs     map[model.JobID]*model.Job
	calls    []Call
	gets     map[model.JobID]int
	stops    []model.JobID
	failCall map[string]error
	failGet  map[model.JobID]error
	failStop error
	holds    map[model.Method]chan struct{}
}

func New(owner string) *Fake {
	return &Fake{
		Owner:    owner,
		Average:  json.RawMessage(`{"accuracy":0.5}`),
		nextID:   1,
		jobs:     make(map[model.JobID]*model.Job),
		gets:     make(map[model.JobID]int),
		failCall: make(map[string]error),
		failGet:  make(map[model.JobID]error),
		holds:    make(map[model.Method]chan struct{}),
	}
}

// FailCall makes the method fail with err. A non-empty arg restricts the
// failure to calls for that dataset.
func (f *Fake) FailCall(method model.Method, arg string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCall[failKey(method, arg)] = err
}

// FailGet makes GetJob(id) fail with err.
func (f *Fake) FailGet(id model.JobID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet[id] = err
}

func (f *Fake) FailStop(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStop = err
}

// Hold blocks calls of method until the returned release function is called
// or the call context ends.
func (f *Fake) Hold(method model.Method) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds[method] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.holds, method)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// StartAt sets the id of the next created job.
func (f *Fake) StartAt(id model.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID = id
}

// AddJob stores a job as if created earlier, e.g. in a previous session.
func (f *Fake) AddJob(job model.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := job
	f.jobs[job.ID] = &j
	if job.ID >= f.nextID {
		f.nextID = job.ID + 1
	}
}

func (f *Fake) SetStatus(id model.JobID, status model.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Status = status
	}
}

func (f *Fake) SetProgress(id model.JobID, p model.JobProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[id]; ok {
		j.Progress = p
	}
}

// Calls returns evaluation calls in the order they were received.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Gets returns how many times GetJob(id) was called.
func (f *Fake) Gets(id model.JobID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[id]
}

func (f *Fake) Stops() []model.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.stops)
}

func (f *Fake) GetJob(_ context.Context, id model.JobID) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets[id]++
	if err := f.failGet[id]; err != nil {
		return nil, err
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *Fake) GetJobsByOwner(_ context.Context, owner string) ([]model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ret []model.Job
	for _, j := range f.jobs {
		if j.Owner == owner {
			ret = append(ret, *j)
		}
	}
	slices.SortFunc(ret, func(a, b model.Job) int { return cmp.Compare(a.ID, b.ID) })
	return ret, nil
}

func (f *Fake) StopJob(_ context.Context, id model.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStop != nil {
		return f.failStop
	}
	f.stops = append(f.stops, id)
	j, ok := f.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	j.Status = model.StatusStopped
	return nil
}

func (f *Fake) ContextAssociationTest(ctx context.Context, modelID model.ModelID, maxQueries int, seed uint32, shuffle bool) (model.JobID, error) {
	return f.create(ctx, model.MethodContextAssociationTest, model.CallArgs{
		ModelID: modelID, MaxQueries: maxQueries, Seed: seed, Shuffle: shuffle,
	})
}

func (f *Fake) CalculateLLMMetrics(ctx context.Context, modelID model.ModelID, dataset string, maxQueries int, seed uint32) (model.JobID, error) {
	return f.create(ctx, model.MethodCalculateLLMMetrics, model.CallArgs{
		ModelID: modelID, Dataset: dataset, MaxQueries: maxQueries, Seed: seed,
	})
}

func (f *Fake) AverageLLMMetrics(ctx context.Context, modelID model.ModelID, datasets []string) (json.RawMessage, error) {
	args := model.CallArgs{ModelID: modelID, Datasets: slices.Clone(datasets)}
	if err := f.record(ctx, model.MethodAverageLLMMetrics, args); err != nil {
		return nil, err
	}
	return f.Average, nil
}

func (f *Fake) LLMEvaluateLanguages(ctx context.Context, modelID model.ModelID, languages []string, maxQueries int, seed uint32) (model.JobID, error) {
	return f.create(ctx, model.MethodLLMEvaluateLanguages, model.CallArgs{
		ModelID: modelID, Languages: slices.Clone(languages), MaxQueries: maxQueries, Seed: seed,
	})
}

func (f *Fake) create(ctx context.Context, method model.Method, args model.CallArgs) (model.JobID, error) {
	if err := f.record(ctx, method, args); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.jobs[id] = &model.Job{
		ID:        id,
		ModelID:   args.ModelID,
		Owner:     f.Owner,
		Status:    model.StatusPending,
		Timestamp: time.Now().UTC(),
		Progress:  model.JobProgress{Target: args.MaxQueries},
	}
	return id, nil
}

func (f *Fake) record(ctx context.Context, method model.Method, args model.CallArgs) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Args: args})
	hold := f.holds[method]
	err := f.failCall[failKey(method, args.Dataset)]
	if err == nil {
		err = f.failCall[failKey(method, "")]
	}
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func failKey(method model.Method, arg string) string {
	return string(method) + "\x00" + arg
}
