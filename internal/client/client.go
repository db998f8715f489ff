// Package client implements the short-lived IPC client used by the CLI:
// it ensures a daemon is running (spawning one when needed), sends a
// single request, and reads one or many response lines.
package client

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/paths"
	"github.com/pm3/pm3/internal/pidfile"
	"github.com/pm3/pm3/internal/protocol"
)

const (
	connectRetries    = 10
	connectRetryDelay = 200 * time.Millisecond

	// socketAppearTimeout bounds the wait for a freshly spawned daemon's
	// endpoint to appear.
	socketAppearTimeout = 5 * time.Second
	socketPollInterval  = 100 * time.Millisecond
)

// Send delivers one request and returns the single response.
func Send(p *paths.Paths, request protocol.Request) (protocol.Response, error) {
	conn, err := dial(p, request)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeIPCTransport,
			"failed to read response: %v", err)
	}
	return protocol.DecodeResponse(line)
}

// SendStreaming delivers one request and invokes onResponse for every
// response line until the daemon closes the connection.
func SendStreaming(p *paths.Paths, request protocol.Request, onResponse func(protocol.Response)) error {
	conn, err := dial(p, request)
	if err != nil {
		return err
	}
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		response, err := protocol.DecodeResponse(line)
		if err != nil {
			return err
		}
		onResponse(response)
	}
	return scanner.Err()
}

// dial ensures a daemon is available, connects, and writes the request.
func dial(p *paths.Paths, request protocol.Request) (net.Conn, error) {
	if err := ensureDaemonRunning(p); err != nil {
		return nil, err
	}

	conn, err := connectWithRetry(p)
	if err != nil {
		return nil, err
	}

	encoded, err := protocol.EncodeRequest(request)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(encoded); err != nil {
		conn.Close()
		return nil, apperrors.Newf(apperrors.ErrCodeIPCTransport,
			"failed to send request: %v", err)
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	return conn, nil
}

// ensureDaemonRunning spawns a detached daemon when none is alive and
// waits for its endpoint to appear.
func ensureDaemonRunning(p *paths.Paths) error {
	if pidfile.DaemonRunning(p) {
		return nil
	}

	if err := spawnDaemon(); err != nil {
		return err
	}

	deadline := time.Now().Add(socketAppearTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(p.SocketFile()); err == nil {
			return nil
		}
		time.Sleep(socketPollInterval)
	}
	return apperrors.New(apperrors.ErrCodeIPCTransport, "timed out waiting for daemon to start")
}

// spawnDaemon re-executes this binary in daemon mode, detached from the
// client's terminal and process group.
func spawnDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get current executable path: %w", err)
	}

	cmd := exec.Command(exe, "--daemon")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}
	// The daemon outlives the client; it is not waited on.
	return cmd.Process.Release()
}

func connectWithRetry(p *paths.Paths) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < connectRetries; attempt++ {
		conn, err := net.Dial("unix", p.SocketFile())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(connectRetryDelay)
	}
	return nil, apperrors.Newf(apperrors.ErrCodeIPCTransport,
		"failed to connect to daemon after %d attempts: %v", connectRetries, lastErr)
}
