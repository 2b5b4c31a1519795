// Package toolcache memoizes the namespaced tool names offered by the
// configured MCP server.
//
// The first lookup launches the server, performs the initialize
// handshake, lists its tools and stores the namespaced names. Every later
// lookup is served from memory. Concurrent first lookups share a single
// launch. A failed launch is memoized as an empty list for the life of
// the process, while an unconfigured server is never memoized, so
// setting the credentials later takes effect on the next lookup.
package toolcache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/devkit/internal/events"
	"github.com/nugget/devkit/internal/ledger"
	"github.com/nugget/devkit/internal/mcp"
)

// State is the lifecycle position of the cache.
type State int

const (
	// StateEmpty means no discovery has been attempted since start or
	// the last Reset.
	StateEmpty State = iota
	// StateInFlight means a discovery attempt is running.
	StateInFlight
	// StateResolved means the result, possibly empty, is memoized.
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInFlight:
		return "in_flight"
	case StateResolved:
		return "resolved"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Resolver reports the server to discover. A nil descriptor means the
// server is not configured. Resolve is called on every lookup.
type Resolver interface {
	Resolve() *mcp.ServerDescriptor
}

// ResolverFunc adapts a function to [Resolver].
type ResolverFunc func() *mcp.ServerDescriptor

// Resolve calls f.
func (f ResolverFunc) Resolve() *mcp.ServerDescriptor { return f() }

// Fetcher runs the discovery sequence against desc and returns the raw
// tool names in server order. The default is [mcp.Discover].
type Fetcher func(ctx context.Context, desc mcp.ServerDescriptor) ([]string, error)

// Observer is notified about discovery activity. FetchStarted may
// return a derived context that is passed to the fetch and to
// FetchFinished.
type Observer interface {
	FetchStarted(ctx context.Context, desc mcp.ServerDescriptor, attemptID string) context.Context
	FetchFinished(ctx context.Context, desc mcp.ServerDescriptor, tools int, err error, elapsed time.Duration)
	Unconfigured(ctx context.Context)
}

// Recorder persists discovery attempts. *ledger.Store implements it.
type Recorder interface {
	Record(ctx context.Context, a ledger.Attempt) error
}

// Config wires a Cache. Only Resolver is required.
type Config struct {
	Resolver Resolver

	// Fetch overrides the discovery sequence. Nil uses mcp.Discover
	// with Options.
	Fetch   Fetcher
	Options mcp.Options

	Logger   *slog.Logger
	Events   *events.Bus
	Observer Observer
	Recorder Recorder
}

// Status is a point-in-time view of the cache for diagnostics.
type Status struct {
	State         State     `json:"state"`
	ToolCount     int       `json:"tool_count"`
	Attempts      int64     `json:"attempts"`
	LastAttemptID string    `json:"last_attempt_id,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	ResolvedAt    time.Time `json:"resolved_at,omitzero"`
}

// flight is one discovery attempt shared by every caller that arrives
// while it runs. tools is written before done is closed.
type flight struct {
	id    string
	done  chan struct{}
	tools []string
}

// Cache is the process-wide tool name cache. The zero value is not
// usable; construct with New.
type Cache struct {
	resolver Resolver
	fetch    Fetcher
	logger   *slog.Logger
	events   *events.Bus
	observer Observer
	recorder Recorder

	// resolved mirrors tools while state is StateResolved so hits skip
	// the mutex.
	resolved atomic.Pointer[[]string]
	attempts atomic.Int64

	mu         sync.Mutex
	state      State
	tools      []string
	flight     *flight
	draining   *flight // discarded by Reset but possibly still running
	epoch      uint64
	lastID     string
	lastKind   mcp.FailureKind
	resolvedAt time.Time
}

// New returns an empty cache.
func New(cfg Config) *Cache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "toolcache")

	fetch := cfg.Fetch
	if fetch == nil {
		opts := cfg.Options
		if opts.Logger == nil {
			opts.Logger = logger
		}
		fetch = func(ctx context.Context, desc mcp.ServerDescriptor) ([]string, error) {
			return mcp.Discover(ctx, desc, opts)
		}
	}

	return &Cache{
		resolver: cfg.Resolver,
		fetch:    fetch,
		logger:   logger,
		events:   cfg.Events,
		observer: cfg.Observer,
		recorder: cfg.Recorder,
	}
}

// Tools returns the namespaced tool names of the configured server, or
// an empty list when the server is unconfigured or discovery failed.
// It never fails. If ctx ends while waiting on a running discovery,
// Tools returns an empty list and the discovery carries on for later
// callers. The returned slice belongs to the caller.
func (c *Cache) Tools(ctx context.Context) []string {
	desc := c.resolve()
	if desc == nil {
		c.logger.Warn("MCP server not configured, no tools available")
		if c.observer != nil {
			c.observer.Unconfigured(ctx)
		}
		c.events.Emit(events.KindUnconfigured, nil)
		return []string{}
	}

	if p := c.resolved.Load(); p != nil {
		return slices.Clone(*p)
	}

	c.mu.Lock()
	var f *flight
	switch c.state {
	case StateResolved:
		tools := c.tools
		c.mu.Unlock()
		return slices.Clone(tools)
	case StateInFlight:
		f = c.flight
	default:
		f = &flight{id: newAttemptID(), done: make(chan struct{})}
		c.state = StateInFlight
		c.flight = f
		c.lastID = f.id
		c.attempts.Add(1)
		prev := c.draining
		c.draining = nil
		go c.run(f, prev, c.epoch, *desc)
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return slices.Clone(f.tools)
	case <-ctx.Done():
		c.logger.Debug("stopped waiting for MCP tool discovery",
			"attempt_id", f.id,
			"error", ctx.Err(),
		)
		return []string{}
	}
}

// Reset discards any memoized result and returns the cache to
// StateEmpty. A discovery still running keeps going but its result is
// not stored, and the next discovery waits for it to finish so only one
// session is ever open. Intended for tests.
func (c *Cache) Reset() {
	c.mu.Lock()
	prev := c.state
	c.epoch++
	c.state = StateEmpty
	c.tools = nil
	if c.flight != nil {
		c.draining = c.flight
	}
	c.flight = nil
	c.lastKind = mcp.FailureNone
	c.resolvedAt = time.Time{}
	c.resolved.Store(nil)
	c.mu.Unlock()

	c.logger.Debug("tool cache reset", "previous_state", prev)
	c.events.Emit(events.KindCacheReset, map[string]any{"previous_state": prev.String()})
}

// Status reports the current cache state.
func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:         c.state,
		ToolCount:     len(c.tools),
		Attempts:      c.attempts.Load(),
		LastAttemptID: c.lastID,
		LastErrorKind: string(c.lastKind),
		ResolvedAt:    c.resolvedAt,
	}
}

func (c *Cache) resolve() *mcp.ServerDescriptor {
	if c.resolver == nil {
		return nil
	}
	return c.resolver.Resolve()
}

// run performs one discovery attempt and publishes its result. It is
// detached from every caller's context; only the configured timeouts
// bound it. When prev is non-nil the attempt starts after prev is done.
func (c *Cache) run(f *flight, prev *flight, epoch uint64, desc mcp.ServerDescriptor) {
	logger := c.logger.With("attempt_id", f.id, "mcp_server", desc.ID)
	if prev != nil {
		logger.Debug("waiting for discarded discovery to finish", "previous_attempt_id", prev.id)
		<-prev.done
	}
	ctx := context.Background()
	if c.observer != nil {
		ctx = c.observer.FetchStarted(ctx, desc, f.id)
	}

	started := time.Now()
	logger.Info("discovering MCP tools", "command", desc.Command, "args", desc.Args)
	c.events.Emit(events.KindFetchStart, map[string]any{
		"attempt_id": f.id,
		"server":     desc.ID,
		"command":    desc.String(),
	})

	names, err := c.fetchSafe(ctx, desc)
	elapsed := time.Since(started)
	kind := mcp.Classify(err)

	tools := []string{}
	attempt := ledger.Attempt{
		ID:         f.id,
		Server:     desc.ID,
		Command:    desc.String(),
		StartedAt:  started,
		FinishedAt: started.Add(elapsed),
	}

	if err != nil {
		logger.Warn("MCP tool discovery failed, continuing without MCP tools",
			"command", desc.Command,
			"args", desc.Args,
			"error_kind", kind,
			"error", err,
			"elapsed", elapsed,
		)
		attempt.Outcome = ledger.OutcomeFailed
		attempt.ErrorKind = string(kind)
		attempt.Error = err.Error()
		c.events.Emit(events.KindFetchFailed, map[string]any{
			"attempt_id":  f.id,
			"server":      desc.ID,
			"error_kind":  string(kind),
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
	} else {
		tools = mcp.ToolNames(desc.ID, names)
		logger.Info("MCP tools discovered", "tools", len(tools), "elapsed", elapsed)
		attempt.Outcome = ledger.OutcomeOK
		attempt.ToolCount = len(tools)
		c.events.Emit(events.KindFetchComplete, map[string]any{
			"attempt_id":  f.id,
			"server":      desc.ID,
			"tools":       len(tools),
			"duration_ms": elapsed.Milliseconds(),
		})
	}

	if c.observer != nil {
		c.observer.FetchFinished(ctx, desc, len(tools), err, elapsed)
	}
	if c.recorder != nil {
		if recErr := c.recorder.Record(ctx, attempt); recErr != nil {
			logger.Warn("failed to record discovery attempt", "error", recErr)
		}
	}

	c.publish(f, epoch, tools, kind)
}

// fetchSafe runs the fetcher, turning a panic into a discovery failure.
func (c *Cache) fetchSafe(ctx context.Context, desc mcp.ServerDescriptor) (names []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", mcp.ErrDiscoveryFailed, r)
		}
	}()
	return c.fetch(ctx, desc)
}

// publish stores tools unless a Reset happened since the flight began,
// then releases the waiters.
func (c *Cache) publish(f *flight, epoch uint64, tools []string, kind mcp.FailureKind) {
	c.mu.Lock()
	f.tools = tools
	if c.epoch == epoch && c.flight == f {
		c.state = StateResolved
		c.tools = tools
		c.flight = nil
		c.lastKind = kind
		c.resolvedAt = time.Now()
		c.resolved.Store(&tools)
	}
	c.mu.Unlock()

	close(f.done)
}

func newAttemptID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
