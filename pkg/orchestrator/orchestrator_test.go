package orchestrator

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/panhub/pkg/sources"
)

// fakeExec records calls and answers each one with a "movie" bucket holding
// one URL per id, unless hook overrides the answer.
type fakeExec struct {
	mu    sync.Mutex
	calls []Call
	hook  func(ctx context.Context, call Call) (*ResultBatch, bool)
}

func (f *fakeExec) Execute(ctx context.Context, call Call) *ResultBatch {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if b, handled := hook(ctx, call); handled {
			return b
		}
	}
	return answer(call)
}

func answer(call Call) *ResultBatch {
	items := make([]ResultItem, len(call.IDs))
	for i, id := range call.IDs {
		items[i] = ResultItem{URL: "https://pan.example/" + id, Source: string(call.Family)}
	}
	return &ResultBatch{Total: len(items), MergedByType: MergedByType{"movie": items}}
}

func (f *fakeExec) idLists() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.IDs
	}
	return out
}

func (f *fakeExec) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func channelSettings(n, conc int) Settings {
	return Settings{Channels: ids("c", n), Concurrency: conc, PluginTimeout: time.Second}
}

func TestSearchCompletesAllBatches(t *testing.T) {
	exec := &fakeExec{}
	o := New(exec, WithPluginCatalog(nil))

	snap := o.Search(context.Background(), "foo", Settings{Plugins: ids("p", 20), Concurrency: 4})

	if snap.Phase != Completed {
		t.Fatalf("expected completed, got %s (%s)", snap.Phase, snap.Error)
	}
	want := [][]string{ids("p", 20)[0:4], ids("p", 20)[4:8], ids("p", 20)[8:12], ids("p", 20)[12:16], ids("p", 20)[16:20]}
	if got := exec.idLists(); !slices.EqualFunc(got, want, slices.Equal) {
		t.Fatalf("batches issued %v, want %v", got, want)
	}
	if snap.Total != 20 || len(snap.Merged["movie"]) != 20 {
		t.Fatalf("expected 20 merged results, got %d", snap.Total)
	}
	if snap.DeepBatches != 4 || !snap.FastComplete {
		t.Fatalf("unexpected plan bookkeeping %+v", snap)
	}
	if o.InFlight() != 0 {
		t.Fatalf("in-flight registry not drained: %d", o.InFlight())
	}
}

func TestSearchRunsFamiliesConcurrentlyWithinBatch(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	exec := &fakeExec{hook: func(ctx context.Context, call Call) (*ResultBatch, bool) {
		// Both fast calls must be in flight together or this deadlocks.
		wg.Done()
		wg.Wait()
		return nil, false
	}}
	o := New(exec)

	done := make(chan Snapshot)
	go func() {
		done <- o.Search(context.Background(), "foo", Settings{Plugins: []string{"labi"}, Channels: []string{"c0"}})
	}()
	select {
	case snap := <-done:
		if snap.Phase != Completed || snap.Total != 2 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("plugin and channel calls were not issued concurrently")
	}
}

func TestSearchFiltersUnknownPlugins(t *testing.T) {
	exec := &fakeExec{}
	o := New(exec)

	o.Search(context.Background(), "foo", Settings{Plugins: []string{"bogus", "labi", "nyaa"}, Concurrency: 4})

	calls := exec.idLists()
	if len(calls) != 1 || !slices.Equal(calls[0], []string{"labi", "nyaa"}) {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestSearchValidation(t *testing.T) {
	tests := []struct {
		name     string
		keyword  string
		settings Settings
		wantErr  string
	}{
		{"empty keyword", "", channelSettings(3, 2), ErrMsgEmptyKeyword},
		{"blank keyword", "   ", channelSettings(3, 2), ErrMsgEmptyKeyword},
		{"no sources", "foo", Settings{Concurrency: 2}, ErrMsgNoSources},
		{"only unknown plugins", "foo", Settings{Plugins: []string{"bogus"}}, ErrMsgNoSources},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &fakeExec{}
			o := New(exec)

			snap := o.Search(context.Background(), tt.keyword, tt.settings)

			if snap.Error != tt.wantErr {
				t.Fatalf("error = %q, want %q", snap.Error, tt.wantErr)
			}
			if snap.Phase != Idle {
				t.Fatalf("phase = %s, want idle", snap.Phase)
			}
			if exec.count() != 0 {
				t.Fatalf("validation failure issued %d calls", exec.count())
			}
			if snap.Generation != 0 {
				t.Fatalf("validation failure must not start a generation")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		catalog  []string
		keyword  string
		settings Settings
		want     string
	}{
		{"ok", sources.AllPlugins, "foo", Settings{Plugins: []string{"labi"}}, ""},
		{"channels only", sources.AllPlugins, "foo", Settings{Channels: []string{"c1"}}, ""},
		{"blank ids", sources.AllPlugins, "foo", Settings{Plugins: []string{" "}, Channels: []string{""}}, ErrMsgNoSources},
		{"plugin outside catalog", []string{"labi"}, "foo", Settings{Plugins: []string{"nyaa"}}, ErrMsgNoSources},
		{"catalog disabled", nil, "foo", Settings{Plugins: []string{"anything"}}, ""},
		{"keyword checked first", sources.AllPlugins, " ", Settings{}, ErrMsgEmptyKeyword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(&fakeExec{}, WithPluginCatalog(tt.catalog))
			if got := o.Validate(tt.keyword, tt.settings); got != tt.want {
				t.Errorf("Validate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFailedCallsAreAbsorbed(t *testing.T) {
	exec := &fakeExec{hook: func(ctx context.Context, call Call) (*ResultBatch, bool) {
		switch call.IDs[0] {
		case "c2":
			return nil, true
		case "c4":
			panic("adapter bug")
		}
		return nil, false
	}}
	o := New(exec)

	snap := o.Search(context.Background(), "foo", channelSettings(6, 2))

	if snap.Phase != Completed {
		t.Fatalf("expected completed despite failed calls, got %s", snap.Phase)
	}
	want := []string{"https://pan.example/c0", "https://pan.example/c1"}
	if got := urls(snap.Merged["movie"]); !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestPauseAfterFastBatchThenResume(t *testing.T) {
	exec := &fakeExec{}
	var o *Orchestrator
	var once sync.Once
	o = New(exec, WithPublisher(PublisherFunc(func(s Snapshot) {
		if s.Phase == DeepLoading && s.FastComplete && s.PausedAtBatch == 0 {
			once.Do(func() { o.Pause() })
		}
	})))

	snap := o.Search(context.Background(), "foo", channelSettings(8, 2))

	if snap.Phase != Paused {
		t.Fatalf("expected paused, got %s", snap.Phase)
	}
	if snap.PausedAtBatch != 0 {
		t.Fatalf("expected pausedAtBatch 0, got %d", snap.PausedAtBatch)
	}
	if exec.count() != 1 {
		t.Fatalf("no deep batch may start after pause, got %d calls", exec.count())
	}
	if snap.Total != 2 {
		t.Fatalf("fast results must be kept, got %d", snap.Total)
	}

	gen := snap.Generation
	snap = o.Resume(context.Background())

	if snap.Phase != Completed {
		t.Fatalf("expected completed after resume, got %s", snap.Phase)
	}
	if snap.Generation != gen {
		t.Fatalf("resume must keep generation %d, got %d", gen, snap.Generation)
	}
	calls := exec.idLists()
	want := [][]string{{"c0", "c1"}, {"c2", "c3"}, {"c4", "c5"}, {"c6", "c7"}}
	if !slices.EqualFunc(calls, want, slices.Equal) {
		t.Fatalf("calls %v, want %v", calls, want)
	}
	if snap.Total != 8 {
		t.Fatalf("expected 8 results, got %d", snap.Total)
	}
}

func TestPauseMidBatchReissuesInterruptedBatch(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	exec := &fakeExec{}
	exec.hook = func(ctx context.Context, call Call) (*ResultBatch, bool) {
		if call.IDs[0] != "c4" {
			return nil, false
		}
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil, false
		}
		close(started)
		<-ctx.Done()
		// A straggler that answers anyway after being cancelled.
		return answer(Call{Family: call.Family, IDs: []string{"c4"}}), true
	}
	o := New(exec)

	done := make(chan Snapshot)
	go func() { done <- o.Search(context.Background(), "foo", channelSettings(8, 2)) }()

	<-started
	if !o.Pause() {
		t.Fatalf("pause while loading must take effect")
	}
	snap := <-done

	if snap.Phase != Paused || snap.PausedAtBatch != 1 {
		t.Fatalf("expected paused at deep batch 1, got %s at %d", snap.Phase, snap.PausedAtBatch)
	}

	snap = o.Resume(context.Background())
	if snap.Phase != Completed {
		t.Fatalf("expected completed, got %s", snap.Phase)
	}
	got := urls(snap.Merged["movie"])
	if len(got) != 8 {
		t.Fatalf("expected 8 unique results, got %v", got)
	}
	reissued := 0
	for _, c := range exec.idLists() {
		if c[0] == "c4" {
			reissued++
		}
		if c[0] == "c2" && reissued > 0 {
			t.Fatalf("completed batch was issued again")
		}
	}
	if reissued != 2 {
		t.Fatalf("interrupted batch should run twice, ran %d times", reissued)
	}
}

func TestPauseIsNoOpUnlessLoading(t *testing.T) {
	o := New(&fakeExec{})
	if o.Pause() {
		t.Fatalf("pause while idle must be a no-op")
	}
	if s := o.Snapshot(); s.Phase != Idle {
		t.Fatalf("idle pause changed phase to %s", s.Phase)
	}

	o.Search(context.Background(), "foo", channelSettings(2, 2))
	if o.Pause() {
		t.Fatalf("pause after completion must be a no-op")
	}
	if s := o.Resume(context.Background()); s.Phase != Completed {
		t.Fatalf("resume of a completed search must be a no-op, got %s", s.Phase)
	}
}

func TestPauseTwiceIsIdempotent(t *testing.T) {
	var o *Orchestrator
	paused := 0
	var once sync.Once
	o = New(&fakeExec{}, WithPublisher(PublisherFunc(func(s Snapshot) {
		if s.Phase == DeepLoading {
			once.Do(func() {
				o.Pause()
				if o.Pause() {
					paused++
				}
			})
		}
	})))

	snap := o.Search(context.Background(), "foo", channelSettings(6, 2))
	if snap.Phase != Paused || paused != 0 {
		t.Fatalf("second pause must be a no-op, phase=%s extra=%d", snap.Phase, paused)
	}
}

func TestResetDiscardsStragglers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	callErr := make(chan error, 1)
	exec := &fakeExec{hook: func(ctx context.Context, call Call) (*ResultBatch, bool) {
		if call.IDs[0] != "c6" {
			return nil, false
		}
		close(started)
		<-release
		callErr <- ctx.Err()
		return &ResultBatch{MergedByType: MergedByType{"movie": {{URL: "stale"}}}}, true
	}}
	o := New(exec)

	done := make(chan Snapshot)
	go func() { done <- o.Search(context.Background(), "foo", channelSettings(8, 2)) }()

	<-started
	before := o.Snapshot()
	if before.PausedAtBatch != 2 || before.Phase != DeepLoading {
		t.Fatalf("expected to be in deep batch 2, got %s at %d", before.Phase, before.PausedAtBatch)
	}
	o.Reset()
	close(release)
	snap := <-done

	if err := <-callErr; err == nil {
		t.Fatalf("reset must cancel in-flight calls")
	}
	if snap.Phase != Idle || snap.Total != 0 || len(snap.Merged) != 0 || snap.Searched {
		t.Fatalf("expected clean idle state after reset, got %+v", snap)
	}
	if snap.Generation != before.Generation+1 {
		t.Fatalf("reset must start a new generation")
	}
	if o.InFlight() != 0 {
		t.Fatalf("in-flight registry not empty after reset")
	}
}

func TestNewSearchSupersedesOldOne(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	exec := &fakeExec{hook: func(ctx context.Context, call Call) (*ResultBatch, bool) {
		if call.Keyword != "old" {
			return nil, false
		}
		close(started)
		<-release
		return &ResultBatch{MergedByType: MergedByType{"movie": {{URL: "from-old"}}}}, true
	}}
	o := New(exec)

	oldDone := make(chan struct{})
	go func() {
		o.Search(context.Background(), "old", channelSettings(1, 1))
		close(oldDone)
	}()
	<-started

	snap := o.Search(context.Background(), "new", channelSettings(3, 1))
	close(release)
	<-oldDone

	final := o.Snapshot()
	if final.Keyword != "new" || final.Phase != Completed {
		t.Fatalf("unexpected final state %+v", final)
	}
	for _, it := range final.Merged["movie"] {
		if it.URL == "from-old" {
			t.Fatalf("superseded generation leaked into results")
		}
	}
	if final.Total != snap.Total || final.Total != 3 {
		t.Fatalf("expected 3 results from the new search, got %d", final.Total)
	}
}

func TestResetWhilePausedBlocksResume(t *testing.T) {
	var o *Orchestrator
	var once sync.Once
	exec := &fakeExec{}
	o = New(exec, WithPublisher(PublisherFunc(func(s Snapshot) {
		if s.Phase == DeepLoading {
			once.Do(func() { o.Pause() })
		}
	})))

	o.Search(context.Background(), "foo", channelSettings(6, 2))
	o.Reset()
	calls := exec.count()

	snap := o.Resume(context.Background())
	if snap.Phase != Idle || exec.count() != calls {
		t.Fatalf("resume after reset must be a no-op, got %s with %d new calls", snap.Phase, exec.count()-calls)
	}
}

func TestElapsedExcludesPausedTime(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1700000000, 0)
	clockFn := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	exec := &fakeExec{hook: func(ctx context.Context, call Call) (*ResultBatch, bool) {
		advance(100 * time.Millisecond)
		return nil, false
	}}
	var o *Orchestrator
	var once sync.Once
	o = New(exec, WithClock(clockFn), WithPublisher(PublisherFunc(func(s Snapshot) {
		if s.Phase == DeepLoading {
			once.Do(func() { o.Pause() })
		}
	})))

	snap := o.Search(context.Background(), "foo", channelSettings(6, 2))
	if snap.ElapsedMs != 100 {
		t.Fatalf("expected 100ms before pause, got %d", snap.ElapsedMs)
	}

	advance(10 * time.Second)
	snap = o.Resume(context.Background())
	if snap.ElapsedMs != 300 {
		t.Fatalf("expected 300ms of active time, got %d", snap.ElapsedMs)
	}
}

func TestPublisherPanicEndsInError(t *testing.T) {
	var once sync.Once
	o := New(&fakeExec{}, WithPublisher(PublisherFunc(func(s Snapshot) {
		if s.Phase == DeepLoading {
			once.Do(func() { panic("listener exploded") })
		}
	})))

	snap := o.Search(context.Background(), "foo", channelSettings(6, 2))

	if snap.Phase != Failed {
		t.Fatalf("expected error phase, got %s", snap.Phase)
	}
	if !strings.Contains(snap.Error, "listener exploded") {
		t.Fatalf("unexpected error %q", snap.Error)
	}
	if snap.Total != 2 {
		t.Fatalf("partial results must survive the failure, got %d", snap.Total)
	}
}

func TestCallerCancellationEndsInError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := &fakeExec{hook: func(callCtx context.Context, call Call) (*ResultBatch, bool) {
		if call.IDs[0] == "c2" {
			cancel()
			<-callCtx.Done()
			return nil, true
		}
		return nil, false
	}}
	o := New(exec)

	snap := o.Search(ctx, "foo", channelSettings(6, 2))

	if snap.Phase != Failed || snap.Error != ErrMsgCancelled {
		t.Fatalf("expected cancelled error, got %s %q", snap.Phase, snap.Error)
	}
	if exec.count() != 2 {
		t.Fatalf("no batch may start after cancellation, got %d calls", exec.count())
	}
}

func TestKeywordRecorderOnCompletionOnly(t *testing.T) {
	var recorded []string
	rec := func(ctx context.Context, kw string) { recorded = append(recorded, kw) }

	o := New(&fakeExec{}, WithKeywordRecorder(rec))
	o.Search(context.Background(), "  matrix ", channelSettings(3, 2))
	if !slices.Equal(recorded, []string{"matrix"}) {
		t.Fatalf("unexpected recorded keywords %v", recorded)
	}

	var p *Orchestrator
	var once sync.Once
	p = New(&fakeExec{}, WithKeywordRecorder(rec), WithPublisher(PublisherFunc(func(s Snapshot) {
		if s.Phase == DeepLoading {
			once.Do(func() { p.Pause() })
		}
	})))
	p.Search(context.Background(), "paused", channelSettings(6, 2))
	if len(recorded) != 1 {
		t.Fatalf("paused search must not be recorded: %v", recorded)
	}
}

func TestCallsCarrySettings(t *testing.T) {
	exec := &fakeExec{}
	o := New(exec)

	o.Search(context.Background(), "foo", Settings{
		Plugins:       []string{"labi"},
		Channels:      []string{"c0"},
		Concurrency:   7,
		PluginTimeout: 3 * time.Second,
	})

	for _, c := range exec.calls {
		if c.Keyword != "foo" || c.Concurrency != 7 || c.Timeout != 3*time.Second {
			t.Fatalf("call missing settings: %+v", c)
		}
		if c.Family != sources.Plugin && c.Family != sources.Channel {
			t.Fatalf("unexpected family %q", c.Family)
		}
	}
}

func TestPauseDuringFastBatchReissuesFastBatch(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	exec := &fakeExec{}
	exec.hook = func(ctx context.Context, call Call) (*ResultBatch, bool) {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil, false
		}
		close(started)
		<-ctx.Done()
		return nil, true
	}
	o := New(exec)

	done := make(chan Snapshot)
	go func() { done <- o.Search(context.Background(), "foo", channelSettings(6, 2)) }()

	<-started
	if !o.Pause() {
		t.Fatalf("pause during the fast batch must take effect")
	}
	snap := <-done

	if snap.Phase != Paused || snap.FastComplete || snap.PausedAtBatch != 0 {
		t.Fatalf("expected paused before the fast batch completed, got %s fast=%v at %d",
			snap.Phase, snap.FastComplete, snap.PausedAtBatch)
	}
	if snap.Total != 0 {
		t.Fatalf("cancelled fast batch must not contribute, got %d", snap.Total)
	}

	snap = o.Resume(context.Background())
	if snap.Phase != Completed || snap.Total != 6 {
		t.Fatalf("expected completed with 6 results, got %s with %d", snap.Phase, snap.Total)
	}
	want := [][]string{{"c0", "c1"}, {"c0", "c1"}, {"c2", "c3"}, {"c4", "c5"}}
	if calls := exec.idLists(); !slices.EqualFunc(calls, want, slices.Equal) {
		t.Fatalf("calls %v, want %v", calls, want)
	}
}

func TestPublishedStateFollowsPauseRace(t *testing.T) {
	held := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var last Snapshot
	o := New(&fakeExec{}, WithPublisher(PublisherFunc(func(s Snapshot) {
		if s.Phase == DeepLoading {
			once.Do(func() {
				close(held)
				<-release
			})
		}
		mu.Lock()
		last = s
		mu.Unlock()
	})))

	done := make(chan Snapshot)
	go func() { done <- o.Search(context.Background(), "foo", channelSettings(6, 2)) }()

	<-held
	if !o.Pause() {
		t.Fatalf("pause while loading must take effect")
	}
	close(release)
	snap := <-done

	mu.Lock()
	defer mu.Unlock()
	if snap.Phase != Paused {
		t.Fatalf("expected paused, got %s", snap.Phase)
	}
	if last.Phase != o.Snapshot().Phase {
		t.Fatalf("last published phase %s, live phase %s", last.Phase, o.Snapshot().Phase)
	}
}

func TestPublishDropsStaleSnapshots(t *testing.T) {
	var seqs []uint64
	o := New(&fakeExec{}, WithPublisher(PublisherFunc(func(s Snapshot) {
		seqs = append(seqs, s.Seq)
	})))

	o.Search(context.Background(), "foo", channelSettings(6, 2))
	if len(seqs) < 2 {
		t.Fatalf("expected several snapshots, got %v", seqs)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("snapshot seqs must increase: %v", seqs)
		}
	}

	seqs = nil
	top := o.Snapshot().Seq
	o.publish(Snapshot{Seq: top + 2, Phase: Paused})
	o.publish(Snapshot{Seq: top + 1, Phase: DeepLoading})
	o.publish(Snapshot{Seq: top + 3, Phase: DeepLoading})
	if want := []uint64{top + 2, top + 3}; !slices.Equal(seqs, want) {
		t.Fatalf("delivered %v, want %v", seqs, want)
	}
}

func TestRejectedSearchDoesNotTaintRunningSearch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := &fakeExec{hook: func(ctx context.Context, call Call) (*ResultBatch, bool) {
		once.Do(func() {
			close(started)
			<-release
		})
		return nil, false
	}}
	o := New(exec)

	done := make(chan Snapshot)
	go func() { done <- o.Search(context.Background(), "foo", channelSettings(4, 2)) }()

	<-started
	rejected := o.Search(context.Background(), "  ", channelSettings(4, 2))
	if rejected.Error != ErrMsgEmptyKeyword {
		t.Fatalf("expected %q, got %q", ErrMsgEmptyKeyword, rejected.Error)
	}
	if rejected.Phase != FastLoading || rejected.Keyword != "foo" {
		t.Fatalf("rejection must not touch the running search, got %s %q", rejected.Phase, rejected.Keyword)
	}
	close(release)
	snap := <-done

	if snap.Phase != Completed || snap.Error != "" {
		t.Fatalf("expected clean completion, got %s %q", snap.Phase, snap.Error)
	}
	if snap.Generation != rejected.Generation || snap.Total != 4 {
		t.Fatalf("expected generation %d with 4 results, got %d with %d", rejected.Generation, snap.Generation, snap.Total)
	}
}

func TestPhaseText(t *testing.T) {
	for p := Idle; p <= Failed; p++ {
		text, _ := p.MarshalText()
		var back Phase
		if err := back.UnmarshalText(text); err != nil || back != p {
			t.Fatalf("phase %s did not round trip: %v", p, err)
		}
	}
	var bad Phase
	if err := bad.UnmarshalText([]byte("sleeping")); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}
