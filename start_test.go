package cardwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// waitForHealth polls /health until the server answers or the deadline passes.
func waitForHealth(t *testing.T, port int, subscribers int) {
	t.Helper()
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			var body struct {
				Subscribers int `json:"subscribers"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			_ = resp.Body.Close()
			if body.Subscribers == subscribers {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server on port %d did not report %d subscribers", port, subscribers)
}

// TestStart_BlocksUntilContextCancelled verifies that Start blocks until the
// provided context is cancelled.
func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	probe, poll := fakeReaders(t, `exec sleep 60`, "sim:001")

	cw, err := New(
		WithHost("127.0.0.1"),
		WithPort(19001),
		WithProbeCommand(probe),
		WithPollCommand(poll),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Start(ctx) }()

	waitForHealth(t, 19001, 0)

	select {
	case err := <-done:
		t.Fatalf("Start() returned early with error: %v", err)
	default:
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

// TestStart_ReturnsImmediatelyIfContextAlreadyCancelled verifies that Start
// returns immediately if the context is already cancelled.
func TestStart_ReturnsImmediatelyIfContextAlreadyCancelled(t *testing.T) {
	cw, err := New(WithPort(19002))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- cw.Start(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start() did not return immediately for cancelled context")
	}
}

// TestStart_TerminatesPollProcesses verifies that no polling process
// survives Start returning.
func TestStart_TerminatesPollProcesses(t *testing.T) {
	pidDir := t.TempDir()
	probe, poll := fakeReaders(t, `echo $$ > "`+pidDir+`/$1.pid"
echo
exec sleep 60`, "sim:001", "sim:002", "sim:003")

	events := make(chan CardEvent, 16)
	cw, err := New(
		WithHost("127.0.0.1"),
		WithPort(19003),
		WithProbeCommand(probe),
		WithPollCommand(poll),
		WithEventCallback(func(ev CardEvent) { events <- ev }),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Start(ctx) }()

	// each reader reports "no card" once it is up
	for i := 0; i < 3; i++ {
		select {
		case <-events:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of 3 readers started", i)
		}
	}

	pids := readPIDs(t, pidDir)
	if len(pids) != 3 {
		t.Fatalf("got %d poll processes, want 3", len(pids))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	for _, pid := range pids {
		if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
			t.Errorf("poll process %d still running after Start returned", pid)
		}
	}
}

func readPIDs(t *testing.T, dir string) []int {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.pid"))
	if err != nil {
		t.Fatal(err)
	}
	var pids []int
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			t.Fatal(err)
		}
		pids = append(pids, pid)
	}
	return pids
}

// TestStart_BroadcastsToWebSocket runs the whole pipeline: a fake reader
// prints a card once a subscriber is connected, and the subscriber receives
// it as JSON.
func TestStart_BroadcastsToWebSocket(t *testing.T) {
	trigger := filepath.Join(t.TempDir(), "go")
	probe, poll := fakeReaders(t, `while [ ! -f "`+trigger+`" ]; do sleep 0.05; done
echo 04A1B2C3
echo
exec sleep 60`, "acr122_usb:001")

	cw, err := New(
		WithHost("127.0.0.1"),
		WithPort(19004),
		WithProbeCommand(probe),
		WithPollCommand(poll),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Start(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitForHealth(t, 19004, 0)
	conn, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:19004/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForHealth(t, 19004, 1)

	if err := os.WriteFile(trigger, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	want := []string{
		`{"reader":"acr122_usb:001","card":"04A1B2C3"}`,
		`{"reader":"acr122_usb:001","card":""}`,
	}
	for _, w := range want {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != w {
			t.Errorf("message = %s, want %s", data, w)
		}
	}
}

// TestStart_NoReadersKeepsServing verifies the server stays up when
// discovery finds nothing.
func TestStart_NoReadersKeepsServing(t *testing.T) {
	probe := writeScript(t, "probe", `exit 0`)

	cw, err := New(
		WithHost("127.0.0.1"),
		WithPort(19005),
		WithProbeCommand(probe),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cw.Start(ctx) }()

	waitForHealth(t, 19005, 0)

	resp, err := http.Get("http://127.0.0.1:19005/api/readers")
	if err != nil {
		t.Fatalf("GET /api/readers: %v", err)
	}
	var readers []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&readers)
	_ = resp.Body.Close()
	if len(readers) != 0 {
		t.Errorf("readers = %v, want none", readers)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Start() returned error: %v", err)
	}
}

// TestStart_PortInUse verifies that a bind failure is reported.
func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	cw, err := New(WithHost("127.0.0.1"), WithPort(port))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = cw.Start(ctx)
	if err == nil {
		t.Fatal("Start() on occupied port should return error")
	}
	if !strings.Contains(err.Error(), "failed to start HTTP server") {
		t.Errorf("unexpected error: %v", err)
	}
}
