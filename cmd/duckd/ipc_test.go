package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// serveSnapshots answers snapshot requests with snap until ctx ends.
func serveSnapshots(ctx context.Context, requests <-chan RequestStateSnapshot, snap StateSnapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			req.Reply <- snap
		}
	}
}

func startIPCServer(t *testing.T, requests chan RequestStateSnapshot) (string, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socketPath := filepath.Join(t.TempDir(), "duckd.sock")
	errCh := make(chan error, 1)
	go func() { errCh <- runIPCServer(ctx, socketPath, requests, discardLogger()) }()

	waitUntil(t, time.Second, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, "ipc socket not listening")

	return socketPath, errCh
}

func TestIPC_QueryStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requests := make(chan RequestStateSnapshot)
	want := StateSnapshot{
		Trigger:       "browser",
		Target:        "music",
		Ducked:        true,
		TargetPresent: true,
		LowerVolume:   45,
		NormalVolume:  80,
		LastDecision:  "duck",
		LastTickAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DucksFired:    3,
		RestoresFired: 2,
	}
	go serveSnapshots(ctx, requests, want)

	socketPath, _ := startIPCServer(t, requests)

	got, err := QueryStatus(socketPath)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if !got.LastTickAt.Equal(want.LastTickAt) {
		t.Fatalf("last tick = %v, want %v", got.LastTickAt, want.LastTickAt)
	}
	got.LastTickAt = want.LastTickAt
	if got != want {
		t.Fatalf("snapshot = %+v, want %+v", got, want)
	}
}

func TestIPC_UnknownRequestType(t *testing.T) {
	requests := make(chan RequestStateSnapshot)
	socketPath, _ := startIPCServer(t, requests)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{\"type\":\"mute\"}\n\nnot json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	scanner := bufio.NewScanner(conn)

	for _, wantErr := range []string{"unknown request type", "parse request"} {
		if !scanner.Scan() {
			t.Fatalf("no response: %v", scanner.Err())
		}
		var resp IPCResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Status != "error" || !strings.Contains(resp.Error, wantErr) {
			t.Fatalf("response = %+v, want error containing %q", resp, wantErr)
		}
	}
}

func TestRequestSnapshot_TimesOutWithoutMonitor(t *testing.T) {
	_, err := requestSnapshot(context.Background(), make(chan RequestStateSnapshot), 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestIPC_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	socketPath := filepath.Join(t.TempDir(), "duckd.sock")

	errCh := make(chan error, 1)
	go func() { errCh <- runIPCServer(ctx, socketPath, nil, discardLogger()) }()

	waitUntil(t, time.Second, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, "ipc socket not listening")

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runIPCServer err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ipc server did not stop")
	}

	if _, err := QueryStatus(socketPath); err == nil {
		t.Fatalf("expected QueryStatus to fail after shutdown")
	}
}
