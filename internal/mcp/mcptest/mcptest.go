// Package mcptest provides a scripted fake MCP server for tests.
//
// The fake runs inside the test binary itself. A test package declares a
// helper test that calls [MaybeServe], and points a server descriptor at
// the command returned by [Server.Command], which re-executes os.Args[0]
// restricted to that helper test:
//
//	func TestFakeMCPServer(t *testing.T) { mcptest.MaybeServe() }
//
//	cmd, args, env := mcptest.Server{Tools: []string{"a"}}.Command("TestFakeMCPServer")
package mcptest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the fake server behaves.
type Mode string

const (
	// ModeOK answers initialize and tools/list normally.
	ModeOK Mode = "ok"
	// ModeNoisy answers normally but first writes non-JSON output, a
	// server notification and a response with an unrelated ID.
	ModeNoisy Mode = "noisy"
	// ModeReject answers initialize with an error envelope.
	ModeReject Mode = "reject"
	// ModeMalformed answers initialize with a result lacking
	// protocolVersion.
	ModeMalformed Mode = "malformed"
	// ModeExit exits as soon as initialize arrives.
	ModeExit Mode = "exit"
	// ModeHang never answers initialize.
	ModeHang Mode = "hang"
	// ModeListError answers tools/list with an error envelope.
	ModeListError Mode = "list_error"
)

const (
	envWant      = "DEVKIT_MCPTEST_SERVER"
	envMode      = "DEVKIT_MCPTEST_MODE"
	envTools     = "DEVKIT_MCPTEST_TOOLS"
	envCountFile = "DEVKIT_MCPTEST_COUNT_FILE"
	envEcho      = "DEVKIT_MCPTEST_ECHO"
)

// Server scripts one fake server process.
type Server struct {
	Mode  Mode
	Tools []string

	// CountFile, when set, gets the server's PID appended on its own
	// line at every process launch.
	CountFile string

	// EchoEnv names an environment variable whose value, as seen by the
	// server process, is appended to the tool list as "env:<value>".
	EchoEnv string
}

// Command returns the command, arguments and environment overlay that
// launch s through the helper test named helperTest.
func (s Server) Command(helperTest string) (string, []string, map[string]string) {
	mode := s.Mode
	if mode == "" {
		mode = ModeOK
	}
	env := map[string]string{
		envWant:  "1",
		envMode:  string(mode),
		envTools: strings.Join(s.Tools, ","),
	}
	if s.CountFile != "" {
		env[envCountFile] = s.CountFile
	}
	if s.EchoEnv != "" {
		env[envEcho] = s.EchoEnv
	}
	return os.Args[0], []string{"-test.run=^" + helperTest + "$", "--"}, env
}

// MaybeServe runs the fake server on stdin/stdout and exits the process
// when the process was launched by [Server.Command]. Otherwise it
// returns immediately.
func MaybeServe() {
	if os.Getenv(envWant) != "1" {
		return
	}

	s := Server{
		Mode:      Mode(os.Getenv(envMode)),
		CountFile: os.Getenv(envCountFile),
		EchoEnv:   os.Getenv(envEcho),
	}
	if tools := os.Getenv(envTools); tools != "" {
		s.Tools = strings.Split(tools, ",")
	}

	if err := Serve(s, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "mcptest:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// LaunchCount returns how many launches were recorded in path.
func LaunchCount(path string) (int, error) {
	pids, err := LaunchedPIDs(path)
	return len(pids), err
}

// LaunchedPIDs returns the PIDs recorded in path, in launch order.
func LaunchedPIDs(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, line := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("parse launch record %q: %w", line, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

type message struct {
	ID     *int64 `json:"id,omitempty"`
	Method string `json:"method"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Serve runs the scripted server until r is exhausted.
func Serve(s Server, r io.Reader, w io.Writer) error {
	if s.CountFile != "" {
		if err := appendLine(s.CountFile); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)

	for {
		var msg message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.ID == nil {
			continue
		}
		id := *msg.ID

		switch msg.Method {
		case "initialize":
			switch s.Mode {
			case ModeExit:
				return nil
			case ModeHang:
				time.Sleep(10 * time.Minute)
				return nil
			case ModeReject:
				writeError(enc, id, -32602, "unsupported protocol version")
				continue
			case ModeMalformed:
				writeResult(enc, id, map[string]any{"serverInfo": map[string]any{"name": "fake"}})
				continue
			case ModeNoisy:
				fmt.Fprintln(w, "fake server starting up")
				_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]any{"level": "info"}})
				writeResult(enc, id+1000, map[string]any{})
			}
			writeResult(enc, id, map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "mcptest", "version": "0.0.1"},
				"capabilities":    map[string]any{"tools": map[string]any{}},
			})
		case "tools/list":
			if s.Mode == ModeListError {
				writeError(enc, id, -32603, "tool registry unavailable")
				continue
			}
			writeResult(enc, id, map[string]any{"tools": toolList(s)})
		case "ping":
			writeResult(enc, id, map[string]any{})
		default:
			writeError(enc, id, -32601, "method not found: "+msg.Method)
		}
	}
}

func toolList(s Server) []map[string]any {
	names := append([]string(nil), s.Tools...)
	if s.EchoEnv != "" {
		names = append(names, "env:"+os.Getenv(s.EchoEnv))
	}
	tools := make([]map[string]any, 0, len(names))
	for _, n := range names {
		tools = append(tools, map[string]any{
			"name":        n,
			"description": "fake tool " + n,
			"inputSchema": map[string]any{"type": "object"},
		})
	}
	return tools
}

func writeResult(enc *json.Encoder, id int64, result any) {
	_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeError(enc *json.Encoder, id int64, code int, msg string) {
	_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": id, "error": rpcError{Code: code, Message: msg}})
}

func appendLine(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d\n", os.Getpid())
	return err
}
