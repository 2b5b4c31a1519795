//go:build unix

package mcp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/nugget/devkit/internal/mcp/mcptest"
)

// TestDiscover_ReleasesSubprocess checks that no server process outlives
// Discover, whichever way it ends.
func TestDiscover_ReleasesSubprocess(t *testing.T) {
	for _, mode := range []mcptest.Mode{mcptest.ModeOK, mcptest.ModeReject, mcptest.ModeListError} {
		t.Run(string(mode), func(t *testing.T) {
			countFile := filepath.Join(t.TempDir(), "launches")
			desc := fakeDescriptor(mcptest.Server{Mode: mode, Tools: []string{"a"}, CountFile: countFile})

			_, _ = Discover(context.Background(), desc, Options{})

			pids, err := mcptest.LaunchedPIDs(countFile)
			if err != nil {
				t.Fatalf("LaunchedPIDs: %v", err)
			}
			if len(pids) != 1 {
				t.Fatalf("launched %d processes, want 1", len(pids))
			}
			if err := syscall.Kill(pids[0], 0); !errors.Is(err, syscall.ESRCH) {
				t.Errorf("server pid %d still present after Discover (kill 0 = %v)", pids[0], err)
			}
		})
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writes from slog.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStdioTransport_CloseKeepsFinalStderr(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// The last lines are written after stdin closes, racing Close.
	tr := NewStdioTransport(StdioConfig{
		Command: "sh",
		Args:    []string{"-c", "echo starting >&2; cat >/dev/null; echo goodbye >&2; printf 'no newline' >&2"},
		Logger:  logger,
	})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out := logs.String()
	for _, want := range []string{"line=starting", "line=goodbye", `line="no newline"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %s:\n%s", want, out)
		}
	}
}

func TestStderrLog_SplitsLines(t *testing.T) {
	var logs syncBuffer
	l := &stderrLog{logger: slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	_, _ = l.Write([]byte("par"))
	_, _ = l.Write([]byte("tial\r\nnext\n"))
	_, _ = l.Write([]byte("tail"))
	if strings.Contains(logs.String(), "tail") {
		t.Errorf("incomplete line logged before flush:\n%s", logs.String())
	}
	l.flush()

	out := logs.String()
	for _, want := range []string{"line=partial\n", "line=next\n", "line=tail\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
