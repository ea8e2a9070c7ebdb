// Package orchestrator fans a keyword search out to plugin and channel
// sources in concurrency-bounded batches and folds the answers into one
// deduplicated, incrementally growing result set.
//
// A search runs in two phases. The fast batch asks the first C plugins and
// the first C channels (C being the concurrency) so the caller sees results
// after a single round-trip; deep batches then walk the remaining ids C at a
// time, strictly one batch after another.
//
// Search drives the batches on the calling goroutine. Pause, Resume, Reset
// and Snapshot may be called from any goroutine. Every call is tagged with
// the generation it was issued under and its answer is dropped if a newer
// search or a reset happened while it was in flight.
package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/sources"
)

// User facing validation and failure messages.
const (
	ErrMsgEmptyKeyword = "请输入搜索关键词"
	ErrMsgNoSources    = "请先在设置中选择至少一个搜索来源"
	ErrMsgCancelled    = "search cancelled"
)

// Settings selects the sources and limits of one search.
type Settings struct {
	Plugins       []string
	Channels      []string
	Concurrency   int
	PluginTimeout time.Duration
}

// Publisher receives the snapshots the orchestrator publishes, one at a
// time and in state order. A snapshot that is older than one already
// delivered is dropped. Publish must not block; a snapshot published from
// inside Publish is delivered once it returns.
type Publisher interface {
	Publish(Snapshot)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Snapshot)

func (f PublisherFunc) Publish(s Snapshot) { f(s) }

// KeywordRecorder is told about every keyword whose search completed.
type KeywordRecorder func(ctx context.Context, keyword string)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher registers p to receive state snapshots.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithKeywordRecorder registers r to be called once per completed search.
func WithKeywordRecorder(r KeywordRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithPluginCatalog restricts plugins to names; nil disables filtering.
// The default catalog is sources.AllPlugins.
func WithPluginCatalog(names []string) Option {
	return func(o *Orchestrator) { o.catalog = names }
}

// WithLogger replaces the default "orchestrator" logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

type run struct {
	gen     uint64
	keyword string
	plan    Plan
	timeout time.Duration
}

// Orchestrator owns the state of one logical search at a time.
type Orchestrator struct {
	exec      Executor
	gen       Generation
	publisher Publisher
	recorder  KeywordRecorder
	catalog   []string
	now       func() time.Time
	logger    *log.Logger

	mu          sync.Mutex
	phase       Phase
	searched    bool
	keyword     string
	merged      MergedByType
	errMsg      string
	cursor      int // -1 while the fast batch is pending, else the next deep batch
	paused      bool
	interrupted bool // a pause cancelled calls of the batch currently in flight
	clock       clock
	cur         *run
	loopDone    chan struct{}
	inflight    map[uint64]context.CancelFunc
	nextCallID  uint64
	seq         uint64

	pubMu      sync.Mutex
	lastSeq    uint64 // highest seq handed to the publisher
	pending    []Snapshot
	delivering bool
}

// New returns an idle orchestrator issuing calls through exec.
func New(exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:     exec,
		catalog:  sources.AllPlugins,
		now:      time.Now,
		logger:   log.ForService("orchestrator"),
		merged:   MergedByType{},
		inflight: make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Search starts a new generation and runs it until it completes, is paused,
// fails, or is superseded. Validation failures are reported in the returned
// snapshot's Error without touching the phase or issuing any call. The
// returned snapshot is the live state at return time, which belongs to a
// newer generation if this one was superseded.
func (o *Orchestrator) Search(ctx context.Context, keyword string, s Settings) Snapshot {
	keyword = strings.TrimSpace(keyword)
	if msg := o.Validate(keyword, s); msg != "" {
		return o.reject(msg)
	}
	plugins, channels := o.sourcesFor(s)

	o.mu.Lock()
	o.cancelInflightLocked()
	r := &run{
		gen:     o.gen.Begin(),
		keyword: keyword,
		plan:    NewPlan(plugins, channels, s.Concurrency),
		timeout: s.PluginTimeout,
	}
	o.cur = r
	o.phase = FastLoading
	o.searched = true
	o.keyword = keyword
	o.merged = MergedByType{}
	o.errMsg = ""
	o.cursor = -1
	o.paused = false
	o.interrupted = false
	o.clock = clock{}
	o.clock.start(o.now())
	done := make(chan struct{})
	o.loopDone = done
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Infof("generation %d: %q over %d plugins, %d channels, concurrency %d, %d deep batches",
		r.gen, keyword, len(plugins), len(channels), r.plan.Concurrency, len(r.plan.Deep))
	o.publish(snap)
	o.drive(ctx, r, done)
	return o.Snapshot()
}

// Validate returns the message Search would reject keyword and s with, or
// "" when they are acceptable. A rejected Search only sets the snapshot's
// Error: a search already running keeps its generation and clears the
// message when it completes.
func (o *Orchestrator) Validate(keyword string, s Settings) string {
	if strings.TrimSpace(keyword) == "" {
		return ErrMsgEmptyKeyword
	}
	if plugins, channels := o.sourcesFor(s); len(plugins) == 0 && len(channels) == 0 {
		return ErrMsgNoSources
	}
	return ""
}

func (o *Orchestrator) sourcesFor(s Settings) (plugins, channels []string) {
	plugins = cleanIDs(s.Plugins)
	if o.catalog != nil {
		plugins = slices.DeleteFunc(plugins, func(p string) bool { return !slices.Contains(o.catalog, p) })
	}
	return plugins, cleanIDs(s.Channels)
}

// Pause stops the search at the next batch boundary and cancels the calls in
// flight. Results merged so far are kept. It is a no-op unless loading.
func (o *Orchestrator) Pause() bool {
	o.mu.Lock()
	if !o.phase.Loading() {
		o.mu.Unlock()
		return false
	}
	o.paused = true
	o.phase = Paused
	if o.cancelInflightLocked() > 0 {
		o.interrupted = true
	}
	o.clock.stop(o.now())
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Infof("generation %d paused at batch %d", snap.Generation, snap.PausedAtBatch)
	o.publish(snap)
	return true
}

// Resume continues a paused search from the recorded batch under the same
// generation, blocking like Search. It is a no-op unless paused.
func (o *Orchestrator) Resume(ctx context.Context) Snapshot {
	o.mu.Lock()
	r, done := o.cur, o.loopDone
	if o.phase != Paused || !o.searched || r == nil {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap
	}
	o.mu.Unlock()

	// The paused loop still has to see its last batch settle.
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return o.Snapshot()
		}
	}

	o.mu.Lock()
	if o.phase != Paused || o.cur != r || !o.gen.IsCurrent(r.gen) {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap
	}
	o.paused = false
	o.interrupted = false
	if o.cursor < 0 {
		o.phase = FastLoading
	} else {
		o.phase = DeepLoading
	}
	o.clock.start(o.now())
	done = make(chan struct{})
	o.loopDone = done
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Infof("generation %d resumed at batch %d", r.gen, snap.PausedAtBatch)
	o.publish(snap)
	o.drive(ctx, r, done)
	return o.Snapshot()
}

// Reset cancels everything in flight, invalidates the current generation and
// returns to idle with an empty result set.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.cancelInflightLocked()
	o.gen.Begin()
	o.phase = Idle
	o.searched = false
	o.keyword = ""
	o.merged = MergedByType{}
	o.errMsg = ""
	o.cursor = 0
	o.paused = false
	o.interrupted = false
	o.clock = clock{}
	o.cur = nil
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Debugf("reset to generation %d", snap.Generation)
	o.publish(snap)
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// InFlight returns the number of calls currently registered.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func (o *Orchestrator) drive(ctx context.Context, r *run, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			o.logger.Errorf("generation %d aborted: %v", r.gen, p)
			o.fail(r, fmt.Sprintf("%v", p))
		}
	}()

	for {
		b, idx, ok := o.next(ctx, r)
		if !ok {
			return
		}
		o.settle(r, idx, o.execBatch(ctx, r, b))
	}
}

// next picks the batch to run, or finishes the run. It returns false when
// the loop must stop.
func (o *Orchestrator) next(ctx context.Context, r *run) (Batch, int, bool) {
	o.mu.Lock()
	if !o.gen.IsCurrent(r.gen) || o.paused {
		o.mu.Unlock()
		return Batch{}, 0, false
	}
	if ctx.Err() != nil {
		o.failLocked(ErrMsgCancelled)
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.logger.Warnf("generation %d cancelled by caller", r.gen)
		o.publish(snap)
		return Batch{}, 0, false
	}

	for o.cursor >= 0 && o.cursor < len(r.plan.Deep) && r.plan.Deep[o.cursor].Empty() {
		o.cursor++
	}
	if o.cursor >= len(r.plan.Deep) {
		o.phase = Completed
		o.errMsg = ""
		o.clock.stop(o.now())
		snap := o.snapshotLocked()
		o.mu.Unlock()

		o.logger.Infof("generation %d completed: %d results in %dms", r.gen, snap.Total, snap.ElapsedMs)
		o.publish(snap)
		if o.recorder != nil {
			o.recorder(ctx, r.keyword)
		}
		return Batch{}, 0, false
	}

	idx := o.cursor
	b := r.plan.Fast
	if idx >= 0 {
		b = r.plan.Deep[idx]
		o.phase = DeepLoading
	}
	o.mu.Unlock()

	o.logger.Debugf("generation %d batch %d: plugins=%v channels=%v", r.gen, idx, b.Plugins, b.Channels)
	return b, idx, true
}

func (o *Orchestrator) execBatch(ctx context.Context, r *run, b Batch) []*ResultBatch {
	calls := b.calls(Call{Keyword: r.keyword, Concurrency: r.plan.Concurrency, Timeout: r.timeout})
	results := make([]*ResultBatch, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		callCtx, release, ok := o.register(ctx, r.gen)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			results[i] = o.execute(callCtx, call)
		}()
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) execute(ctx context.Context, call Call) (rb *ResultBatch) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Errorf("%s call %v panicked: %v", call.Family, call.IDs, p)
			rb = nil
		}
	}()
	return o.exec.Execute(ctx, call)
}

// register adds a cancel handle for one call. It refuses once the generation
// is stale or a pause was requested.
func (o *Orchestrator) register(ctx context.Context, gen uint64) (context.Context, func(), bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.gen.IsCurrent(gen) {
		return nil, nil, false
	}
	if o.paused {
		o.interrupted = true
		return nil, nil, false
	}
	callCtx, cancel := context.WithCancel(ctx)
	o.nextCallID++
	id := o.nextCallID
	o.inflight[id] = cancel
	return callCtx, func() {
		o.mu.Lock()
		delete(o.inflight, id)
		o.mu.Unlock()
		cancel()
	}, true
}

// settle merges a finished batch if its generation is still live. A batch
// cut short by a pause keeps the cursor so resume issues it again.
func (o *Orchestrator) settle(r *run, idx int, results []*ResultBatch) {
	snap, live := o.settleLocked(r, idx, results)
	if !live {
		o.logger.Debugf("generation %d superseded, dropping batch %d", r.gen, idx)
		return
	}
	o.publish(snap)
}

func (o *Orchestrator) settleLocked(r *run, idx int, results []*ResultBatch) (Snapshot, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.gen.IsCurrent(r.gen) {
		return Snapshot{}, false
	}
	for _, rb := range results {
		if rb != nil && len(rb.MergedByType) > 0 {
			o.merged = Merge(o.merged, rb.MergedByType)
		}
	}
	if o.interrupted {
		o.interrupted = false
	} else {
		o.cursor = idx + 1
	}
	if o.phase == FastLoading && o.cursor >= 0 {
		o.phase = DeepLoading
	}
	return o.snapshotLocked(), true
}

func (o *Orchestrator) reject(msg string) Snapshot {
	o.mu.Lock()
	o.errMsg = msg
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.publish(snap)
	return snap
}

func (o *Orchestrator) fail(r *run, msg string) {
	o.mu.Lock()
	if !o.gen.IsCurrent(r.gen) {
		o.mu.Unlock()
		return
	}
	o.failLocked(msg)
	snap := o.snapshotLocked()
	o.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			o.logger.Errorf("publishing failure of generation %d: %v", r.gen, p)
		}
	}()
	o.publish(snap)
}

func (o *Orchestrator) failLocked(msg string) {
	o.cancelInflightLocked()
	o.phase = Failed
	o.errMsg = msg
	o.paused = false
	o.clock.stop(o.now())
}

func (o *Orchestrator) cancelInflightLocked() int {
	n := len(o.inflight)
	for _, cancel := range o.inflight {
		cancel()
	}
	clear(o.inflight)
	return n
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	o.seq++
	s := Snapshot{
		Seq:           o.seq,
		Generation:    o.gen.Current(),
		Phase:         o.phase,
		Keyword:       o.keyword,
		Searched:      o.searched,
		FastComplete:  o.searched && o.cursor >= 0,
		PausedAtBatch: max(o.cursor, 0),
		Merged:        o.merged,
		Total:         o.merged.Total(),
		Error:         o.errMsg,
		ElapsedMs:     o.clock.elapsed(o.now()).Milliseconds(),
	}
	if o.cur != nil {
		s.DeepBatches = len(o.cur.plan.Deep)
	}
	return s
}

// publish hands s to the publisher unless a newer snapshot got there first.
// Snapshots are taken under mu but published after it is released, so two
// goroutines can reach publish in the opposite order of their state changes.
// Only one goroutine delivers at a time; the others queue and return.
func (o *Orchestrator) publish(s Snapshot) {
	if o.publisher == nil {
		return
	}
	o.pubMu.Lock()
	if s.Seq <= o.lastSeq {
		o.pubMu.Unlock()
		return
	}
	o.lastSeq = s.Seq
	o.pending = append(o.pending, s)
	if o.delivering {
		o.pubMu.Unlock()
		return
	}
	o.delivering = true
	o.pubMu.Unlock()

	drained := false
	defer func() {
		if !drained {
			// The publisher panicked; let the next publish deliver.
			o.pubMu.Lock()
			o.delivering = false
			o.pending = nil
			o.pubMu.Unlock()
		}
	}()
	for {
		o.pubMu.Lock()
		if len(o.pending) == 0 {
			o.delivering = false
			o.pubMu.Unlock()
			drained = true
			return
		}
		next := o.pending[0]
		o.pending = o.pending[1:]
		o.pubMu.Unlock()
		o.publisher.Publish(next)
	}
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
