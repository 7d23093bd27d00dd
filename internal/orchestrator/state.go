package orchestrator

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/gpu"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// transitions lists the legal successors of each non-terminal state.
var transitions = map[pipeline.State][]pipeline.State{
	pipeline.StateReceived:   {pipeline.StateCacheCheck, pipeline.StateFailed},
	pipeline.StateCacheCheck: {pipeline.StateCompleted, pipeline.StateDetecting, pipeline.StateFailed},
	pipeline.StateDetecting:  {pipeline.StateSearching, pipeline.StateFailed},
	pipeline.StateSearching:  {pipeline.StateGenerating, pipeline.StateFailed},
	pipeline.StateGenerating: {pipeline.StateCaching, pipeline.StateFailed},
	pipeline.StateCaching:    {pipeline.StateCompleted, pipeline.StateFailed},
}

func legal(from, to pipeline.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// run is the single-owner state of one request. The mutex only guards
// against Status readers; stages never touch a run concurrently.
type run struct {
	mu          sync.Mutex
	id          string
	fingerprint string
	state       pipeline.State
	states      []pipeline.State
	startedAt   time.Time
	finishedAt  *time.Time
	failure     *pipeline.Failure
	held        map[gpu.Kind]int
}

func newRun(id string) *run {
	return &run{
		id:        id,
		state:     pipeline.StateReceived,
		states:    []pipeline.State{pipeline.StateReceived},
		startedAt: time.Now(),
		held:      make(map[gpu.Kind]int, len(gpu.Kinds)),
	}
}

func (r *run) current() pipeline.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *run) setFingerprint(fp string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fingerprint = fp
}

func (r *run) move(to pipeline.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !legal(r.state, to) {
		return errcode.New(errcode.Internal, "illegal transition %s -> %s", r.state, to)
	}
	r.state = to
	r.states = append(r.states, to)
	if to.Terminal() {
		now := time.Now()
		r.finishedAt = &now
	}
	return nil
}

func (r *run) fail(f *pipeline.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Terminal() {
		return
	}
	r.state = pipeline.StateFailed
	r.states = append(r.states, pipeline.StateFailed)
	r.failure = f
	now := time.Now()
	r.finishedAt = &now
}

// hold records a lease of kind; a request holds at most one per kind.
func (r *run) hold(kind gpu.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[kind] > 0 {
		return errcode.New(errcode.Internal, "request %s already holds a %s lease", r.id, kind)
	}
	r.held[kind]++
	return nil
}

func (r *run) unhold(kind gpu.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[kind]--
}

func (r *run) history() []pipeline.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pipeline.State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *run) status() pipeline.StatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := pipeline.StatusResponse{
		RequestID:   r.id,
		Fingerprint: r.fingerprint,
		State:       r.state,
		States:      append([]pipeline.State(nil), r.states...),
		StartedAt:   r.startedAt,
		FinishedAt:  r.finishedAt,
	}
	if r.failure != nil {
		f := *r.failure
		s.Failure = &f
	}
	return s
}

// registry keeps runs queryable for a while after they finish.
type registry struct {
	runs *ttlcache.Cache[string, *run]
}

func newRegistry(ttl time.Duration) *registry {
	runs := ttlcache.New(ttlcache.WithTTL[string, *run](ttl))
	go runs.Start()
	return &registry{runs: runs}
}

func (g *registry) add(r *run) {
	g.runs.Set(r.id, r, ttlcache.DefaultTTL)
}

func (g *registry) get(id string) (*run, bool) {
	item := g.runs.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (g *registry) close() {
	g.runs.Stop()
}
