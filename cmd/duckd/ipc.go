package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket status endpoint
// ============================================================================
// Protocol: line-delimited JSON
//   - Client sends: {"type": "status"}
//   - Server responds: {"status": "ok", "state": {...}}
//     or {"status": "error", "error": "msg"}
//
// Snapshots are produced by the monitor goroutine; the IPC handler only
// forwards a request and waits for the reply.
// ============================================================================

// IPCRequest is one request line sent by a client.
type IPCRequest struct {
	Type string `json:"type"`
}

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string         `json:"status"`          // "ok" or "error"
	Error  string         `json:"error,omitempty"` // error message if status == "error"
	State  *StateSnapshot `json:"state,omitempty"`
}

const ipcSnapshotTimeout = 2 * time.Second

// runIPCServer serves the status socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, requests chan<- RequestStateSnapshot, logger *slog.Logger) error {
	// Remove a stale socket left by a previous run
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, requests, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, requests chan<- RequestStateSnapshot, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := handleIPCRequest(ctx, []byte(line), requests)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

func handleIPCRequest(ctx context.Context, line []byte, requests chan<- RequestStateSnapshot) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse request: %v", err)}
	}

	switch req.Type {
	case "status":
		snap, err := requestSnapshot(ctx, requests, ipcSnapshotTimeout)
		if err != nil {
			return IPCResponse{Status: "error", Error: err.Error()}
		}
		return IPCResponse{Status: "ok", State: &snap}
	default:
		return IPCResponse{Status: "error", Error: fmt.Sprintf("unknown request type: %q", req.Type)}
	}
}

// requestSnapshot asks the monitor loop for a snapshot and waits for the reply.
// The monitor answers between ticks, so the wait covers at most one transition.
func requestSnapshot(ctx context.Context, requests chan<- RequestStateSnapshot, timeout time.Duration) (StateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("request snapshot: %w", ctx.Err())
	case requests <- RequestStateSnapshot{Reply: reply}:
	}

	select {
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("wait for snapshot: %w", ctx.Err())
	case snap := <-reply:
		return snap, nil
	}
}

// QueryStatus connects to a running daemon and returns its state.
func QueryStatus(socketPath string) (StateSnapshot, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return StateSnapshot{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(IPCRequest{Type: "status"}); err != nil {
		return StateSnapshot{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return StateSnapshot{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return StateSnapshot{}, fmt.Errorf("ipc error: %s", resp.Error)
	}
	if resp.State == nil {
		return StateSnapshot{}, errors.New("ipc error: response has no state")
	}
	return *resp.State, nil
}
