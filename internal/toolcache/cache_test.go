package toolcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/devkit/internal/events"
	"github.com/nugget/devkit/internal/ledger"
	"github.com/nugget/devkit/internal/mcp"
)

var databricks = &mcp.ServerDescriptor{
	ID:      "databricks",
	Command: "python",
	Args:    []string{"-m", "databricks_mcp_server.server"},
	Env:     map[string]string{"DATABRICKS_HOST": "h", "DATABRICKS_TOKEN": "secret-token"},
}

func configured() Resolver {
	return ResolverFunc(func() *mcp.ServerDescriptor { return databricks })
}

// fakeFetcher counts calls, tracks how many run at once and optionally
// blocks until released.
type fakeFetcher struct {
	calls   atomic.Int32
	active  atomic.Int32
	peak    atomic.Int32
	names   []string
	err     error
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) fetch(_ context.Context, _ mcp.ServerDescriptor) ([]string, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.names), nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	attempts []ledger.Attempt
}

func (r *fakeRecorder) Record(_ context.Context, a ledger.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *fakeRecorder) all() []ledger.Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.attempts)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newCache(r Resolver, f *fakeFetcher) *Cache {
	return New(Config{Resolver: r, Fetch: f.fetch, Logger: quietLogger()})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTools_NamespacesInOrder(t *testing.T) {
	f := &fakeFetcher{names: []string{"execute_sql", "list_warehouses"}}
	c := newCache(configured(), f)

	got := c.Tools(context.Background())
	want := []string{"mcp__databricks__execute_sql", "mcp__databricks__list_warehouses"}
	if !slices.Equal(got, want) {
		t.Errorf("Tools() = %v, want %v", got, want)
	}
}

func TestTools_Idempotent(t *testing.T) {
	f := &fakeFetcher{names: []string{"a", "b", "a"}}
	c := newCache(configured(), f)
	ctx := context.Background()

	first := c.Tools(ctx)
	second := c.Tools(ctx)
	third := c.Tools(ctx)

	if !slices.Equal(first, second) || !slices.Equal(second, third) {
		t.Errorf("results differ: %v / %v / %v", first, second, third)
	}
	if len(first) != 3 {
		t.Errorf("duplicates should pass through, got %v", first)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
	if s := c.Status(); s.State != StateResolved || s.Attempts != 1 {
		t.Errorf("Status() = %+v, want resolved after 1 attempt", s)
	}
}

func TestTools_CallerOwnsResult(t *testing.T) {
	f := &fakeFetcher{names: []string{"a"}}
	c := newCache(configured(), f)

	got := c.Tools(context.Background())
	got[0] = "mutated"

	if again := c.Tools(context.Background()); again[0] != "mcp__databricks__a" {
		t.Errorf("cached value mutated through caller slice: %v", again)
	}
}

func TestTools_SingleFlight(t *testing.T) {
	f := &fakeFetcher{
		names:   []string{"execute_sql"},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newCache(configured(), f)

	const callers = 16
	results := make([][]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Tools(context.Background())
		}()
	}

	<-f.started
	if s := c.Status(); s.State != StateInFlight {
		t.Errorf("state during fetch = %v, want in_flight", s.State)
	}
	// Give the remaining callers time to attach to the flight.
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if n := f.calls.Load(); n != 1 {
		t.Fatalf("fetch called %d times, want 1", n)
	}
	for i, got := range results {
		if !slices.Equal(got, []string{"mcp__databricks__execute_sql"}) {
			t.Errorf("caller %d got %v", i, got)
		}
	}
}

func TestTools_Unconfigured(t *testing.T) {
	var buf bytes.Buffer
	var desc atomic.Pointer[mcp.ServerDescriptor]
	f := &fakeFetcher{names: []string{"execute_sql"}}
	c := New(Config{
		Resolver: ResolverFunc(desc.Load),
		Fetch:    f.fetch,
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	})

	for range 3 {
		if got := c.Tools(context.Background()); got == nil || len(got) != 0 {
			t.Fatalf("Tools() unconfigured = %#v, want empty non-nil", got)
		}
	}
	if n := f.calls.Load(); n != 0 {
		t.Errorf("fetch called %d times while unconfigured", n)
	}
	if s := c.Status(); s.State != StateEmpty {
		t.Errorf("unconfigured result was memoized: state %v", s.State)
	}
	if !bytes.Contains(buf.Bytes(), []byte("level=WARN")) || !bytes.Contains(buf.Bytes(), []byte("not configured")) {
		t.Errorf("expected a warning, log was:\n%s", buf.String())
	}

	// Configuring later takes effect on the next call.
	desc.Store(databricks)
	if got := c.Tools(context.Background()); len(got) != 1 {
		t.Errorf("Tools() after configuring = %v", got)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
}

func TestTools_UnconfiguredAfterResolved(t *testing.T) {
	var desc atomic.Pointer[mcp.ServerDescriptor]
	desc.Store(databricks)
	f := &fakeFetcher{names: []string{"a"}}
	c := New(Config{Resolver: ResolverFunc(desc.Load), Fetch: f.fetch, Logger: quietLogger()})

	if got := c.Tools(context.Background()); len(got) != 1 {
		t.Fatalf("Tools() = %v", got)
	}

	desc.Store(nil)
	if got := c.Tools(context.Background()); len(got) != 0 {
		t.Errorf("Tools() with credentials removed = %v, want empty", got)
	}
	if s := c.Status(); s.State != StateResolved {
		t.Errorf("resolved value dropped: state %v", s.State)
	}
}

func TestTools_FailureMemoized(t *testing.T) {
	failures := []error{
		fmt.Errorf("%w: exec: \"python\": executable file not found", mcp.ErrSpawn),
		fmt.Errorf("%w: EOF", mcp.ErrTransportClosed),
		fmt.Errorf("%w: bad protocol", mcp.ErrHandshakeRejected),
		fmt.Errorf("%w: timeout", mcp.ErrDiscoveryFailed),
		errors.New("something else"),
	}

	for _, failure := range failures {
		t.Run(string(mcp.Classify(failure)), func(t *testing.T) {
			f := &fakeFetcher{err: failure}
			rec := &fakeRecorder{}
			c := New(Config{Resolver: configured(), Fetch: f.fetch, Recorder: rec, Logger: quietLogger()})

			for range 3 {
				if got := c.Tools(context.Background()); got == nil || len(got) != 0 {
					t.Fatalf("Tools() after failure = %#v, want empty non-nil", got)
				}
			}
			if n := f.calls.Load(); n != 1 {
				t.Errorf("fetch called %d times, want 1", n)
			}

			s := c.Status()
			if s.State != StateResolved || s.LastErrorKind != string(mcp.Classify(failure)) {
				t.Errorf("Status() = %+v", s)
			}

			attempts := rec.all()
			if len(attempts) != 1 {
				t.Fatalf("recorded %d attempts, want 1", len(attempts))
			}
			if attempts[0].Outcome != ledger.OutcomeFailed || attempts[0].ErrorKind != s.LastErrorKind {
				t.Errorf("attempt = %+v", attempts[0])
			}
		})
	}
}

func TestTools_FailureLogOmitsSecrets(t *testing.T) {
	var buf bytes.Buffer
	f := &fakeFetcher{err: fmt.Errorf("%w: boom", mcp.ErrSpawn)}
	c := New(Config{
		Resolver: configured(),
		Fetch:    f.fetch,
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	})

	c.Tools(context.Background())

	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("error_kind=spawn")) {
		t.Errorf("failure log lacks error kind:\n%s", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("command=python")) {
		t.Errorf("failure log lacks command:\n%s", out)
	}
	if bytes.Contains(buf.Bytes(), []byte("secret-token")) {
		t.Errorf("failure log leaked credentials:\n%s", out)
	}
}

func TestTools_FetcherPanic(t *testing.T) {
	c := New(Config{
		Resolver: configured(),
		Fetch: func(context.Context, mcp.ServerDescriptor) ([]string, error) {
			panic("kaboom")
		},
		Logger: quietLogger(),
	})

	if got := c.Tools(context.Background()); len(got) != 0 {
		t.Errorf("Tools() after panic = %v", got)
	}
	if s := c.Status(); s.State != StateResolved || s.LastErrorKind != string(mcp.FailureDiscoveryFailed) {
		t.Errorf("Status() = %+v", s)
	}
}

func TestReset(t *testing.T) {
	f := &fakeFetcher{names: []string{"a"}}
	c := newCache(configured(), f)
	ctx := context.Background()

	c.Tools(ctx)
	c.Reset()

	if s := c.Status(); s.State != StateEmpty || s.ToolCount != 0 {
		t.Errorf("Status() after Reset = %+v", s)
	}

	f.names = []string{"b", "c"}
	got := c.Tools(ctx)
	if !slices.Equal(got, []string{"mcp__databricks__b", "mcp__databricks__c"}) {
		t.Errorf("Tools() after Reset = %v", got)
	}
	if n := f.calls.Load(); n != 2 {
		t.Errorf("fetch called %d times, want 2", n)
	}
}

func TestReset_ClearsMemoizedFailure(t *testing.T) {
	f := &fakeFetcher{err: fmt.Errorf("%w: nope", mcp.ErrSpawn)}
	c := newCache(configured(), f)

	c.Tools(context.Background())
	c.Reset()
	f.err = nil
	f.names = []string{"ok"}

	if got := c.Tools(context.Background()); len(got) != 1 {
		t.Errorf("Tools() after Reset = %v, want fresh discovery", got)
	}
}

func TestReset_DuringFlight(t *testing.T) {
	f := &fakeFetcher{
		names:   []string{"stale"},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 2),
	}
	c := newCache(configured(), f)

	staleDone := make(chan []string, 1)
	go func() { staleDone <- c.Tools(context.Background()) }()
	<-f.started

	c.Reset()
	close(f.gate)

	if got := <-staleDone; !slices.Equal(got, []string{"mcp__databricks__stale"}) {
		t.Errorf("caller of the pre-reset flight got %v", got)
	}
	if s := c.Status(); s.State != StateEmpty {
		t.Errorf("pre-reset flight was published: state %v", s.State)
	}

	f.names = []string{"fresh"}
	if got := c.Tools(context.Background()); !slices.Equal(got, []string{"mcp__databricks__fresh"}) {
		t.Errorf("Tools() after reset = %v", got)
	}
	if n := f.calls.Load(); n != 2 {
		t.Errorf("fetch called %d times, want 2", n)
	}
}

func TestReset_NextFetchWaitsForDiscarded(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeFetcher{
		names:   []string{"execute_sql"},
		gate:    gate,
		started: make(chan struct{}, 2),
	}
	c := newCache(configured(), f)

	first := make(chan []string, 1)
	go func() { first <- c.Tools(context.Background()) }()
	<-f.started

	c.Reset()

	second := make(chan []string, 1)
	go func() { second <- c.Tools(context.Background()) }()
	waitFor(t, "second flight", func() bool { return c.Status().State == StateInFlight })

	select {
	case <-f.started:
		t.Fatal("second fetch started while the discarded one was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	<-first
	if got := <-second; !slices.Equal(got, []string{"mcp__databricks__execute_sql"}) {
		t.Errorf("Tools() after reset = %v", got)
	}
	if n := f.calls.Load(); n != 2 {
		t.Errorf("fetch called %d times, want 2", n)
	}
	if p := f.peak.Load(); p != 1 {
		t.Errorf("peak concurrent fetches = %d, want 1", p)
	}
}

func TestTools_WaiterAbandons(t *testing.T) {
	f := &fakeFetcher{
		names:   []string{"slow"},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	c := newCache(configured(), f)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []string, 1)
	go func() { done <- c.Tools(ctx) }()
	<-f.started
	cancel()

	select {
	case got := <-done:
		if len(got) != 0 {
			t.Errorf("abandoned waiter got %v, want empty", got)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(f.gate)
	waitFor(t, "flight to resolve", func() bool { return c.Status().State == StateResolved })

	if got := c.Tools(context.Background()); !slices.Equal(got, []string{"mcp__databricks__slow"}) {
		t.Errorf("Tools() after abandoned wait = %v", got)
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetch called %d times, want 1", n)
	}
}

func TestTools_Events(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	rec := &fakeRecorder{}
	f := &fakeFetcher{names: []string{"a", "b"}}
	c := New(Config{Resolver: configured(), Fetch: f.fetch, Events: bus, Recorder: rec, Logger: quietLogger()})

	c.Tools(context.Background())
	c.Reset()

	var kinds []string
	for range 3 {
		select {
		case e := <-sub:
			if e.Source != events.SourceDiscovery {
				t.Errorf("event source = %q", e.Source)
			}
			kinds = append(kinds, e.Kind)
			if e.Kind == events.KindFetchComplete && e.Data["tools"] != 2 {
				t.Errorf("fetch_complete tools = %v", e.Data["tools"])
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out, got kinds %v", kinds)
		}
	}

	want := []string{events.KindFetchStart, events.KindFetchComplete, events.KindCacheReset}
	if !slices.Equal(kinds, want) {
		t.Errorf("event kinds = %v, want %v", kinds, want)
	}

	attempts := rec.all()
	if len(attempts) != 1 || attempts[0].Outcome != ledger.OutcomeOK || attempts[0].ToolCount != 2 {
		t.Errorf("attempts = %+v", attempts)
	}
	if attempts[0].Command != "python -m databricks_mcp_server.server" {
		t.Errorf("attempt command = %q", attempts[0].Command)
	}
}

type countingObserver struct {
	started, finished, unconfigured atomic.Int32
	lastErr                         atomic.Value
}

func (o *countingObserver) FetchStarted(ctx context.Context, _ mcp.ServerDescriptor, _ string) context.Context {
	o.started.Add(1)
	return ctx
}

func (o *countingObserver) FetchFinished(_ context.Context, _ mcp.ServerDescriptor, _ int, err error, _ time.Duration) {
	o.finished.Add(1)
	if err != nil {
		o.lastErr.Store(err)
	}
}

func (o *countingObserver) Unconfigured(context.Context) { o.unconfigured.Add(1) }

func TestTools_Observer(t *testing.T) {
	obs := &countingObserver{}
	var desc atomic.Pointer[mcp.ServerDescriptor]
	f := &fakeFetcher{err: fmt.Errorf("%w: gone", mcp.ErrTransportClosed)}
	c := New(Config{Resolver: ResolverFunc(desc.Load), Fetch: f.fetch, Observer: obs, Logger: quietLogger()})

	c.Tools(context.Background())
	desc.Store(databricks)
	c.Tools(context.Background())
	c.Tools(context.Background())

	if obs.unconfigured.Load() != 1 || obs.started.Load() != 1 || obs.finished.Load() != 1 {
		t.Errorf("observer counts: unconfigured=%d started=%d finished=%d",
			obs.unconfigured.Load(), obs.started.Load(), obs.finished.Load())
	}
	if err, _ := obs.lastErr.Load().(error); !errors.Is(err, mcp.ErrTransportClosed) {
		t.Errorf("observer saw err %v", err)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateEmpty:    "empty",
		StateInFlight: "in_flight",
		StateResolved: "resolved",
		State(9):      "State(9)",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
