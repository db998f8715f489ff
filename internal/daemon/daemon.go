// Package daemon implements the long-running supervisor process: the
// single-instance guard, the IPC accept loop, per-connection handlers, and
// cooperative shutdown.
package daemon

import (
	"bufio"
	"errors"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/pm3/pm3/internal/common/errors"
	"github.com/pm3/pm3/internal/common/logger"
	"github.com/pm3/pm3/internal/manager"
	"github.com/pm3/pm3/internal/paths"
	"github.com/pm3/pm3/internal/pidfile"
	"github.com/pm3/pm3/internal/protocol"
	"github.com/pm3/pm3/internal/stats"
)

// maxRequestLine bounds one request line; start requests carry whole
// config sets.
const maxRequestLine = 4 * 1024 * 1024

// Run starts the daemon and blocks until shutdown. Startup: create the
// data dir, enforce the single-instance guard, bind the socket, restore
// the dump, start the stats collector. Teardown: stop every record, remove
// the socket and PID file.
func Run(p *paths.Paths, log *logger.Logger) error {
	if err := os.MkdirAll(p.DataDir(), 0755); err != nil {
		return err
	}

	if pidfile.DaemonRunning(p) {
		return errors.New("daemon is already running")
	}
	if err := pidfile.Write(p); err != nil {
		return err
	}

	_ = os.Remove(p.SocketFile()) // stale socket from an unclean exit
	listener, err := net.Listen("unix", p.SocketFile())
	if err != nil {
		pidfile.Remove(p)
		return apperrors.Wrap(err, "failed to bind IPC endpoint")
	}
	_ = os.Chmod(p.SocketFile(), 0700)

	log.Info("daemon started",
		zap.Int("pid", os.Getpid()),
		zap.String("socket", p.SocketFile()),
		zap.String("data_dir", p.DataDir()))

	mgr := manager.New(p, log)

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() { close(shutdownCh) })
	}

	mgr.AutoRestore()

	stats.SpawnCollector(mgr.StatsCache(), mgr.Table(), shutdownCh, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("received termination signal", zap.String("signal", sig.String()))
			shutdown()
		case <-shutdownCh:
		}
	}()

	// Unblock the accept loop on shutdown by closing the listener.
	go func() {
		<-shutdownCh
		listener.Close()
	}()

	acceptLoop(listener, mgr, shutdown, shutdownCh, log)

	log.Info("shutting down, stopping all processes")
	mgr.ShutdownAll()

	_ = os.Remove(p.SocketFile())
	pidfile.Remove(p)
	log.Info("daemon stopped")
	return nil
}

func acceptLoop(listener net.Listener, mgr *manager.Manager, shutdown func(), shutdownCh <-chan struct{}, log *logger.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-shutdownCh:
				return
			default:
				log.Error("accept failed", zap.Error(err))
				continue
			}
		}
		go handleConnection(conn, mgr, shutdown, log)
	}
}

// handleConnection reads one request line, dispatches it, writes the
// response(s), and closes. Per-connection errors never abort the accept
// loop.
func handleConnection(conn net.Conn, mgr *manager.Manager, shutdown func(), log *logger.Logger) {
	defer conn.Close()

	clog := log.WithFields(zap.String("conn_id", uuid.NewString()))

	reader := bufio.NewReaderSize(conn, 64*1024)
	line, err := readLine(reader)
	if err != nil {
		clog.Debug("failed to read request", zap.Error(err))
		return
	}
	if line == "" {
		return
	}

	request, err := protocol.DecodeRequest(line)
	if err != nil {
		clog.Debug("malformed request", zap.Error(err))
		writeResponse(conn, &protocol.ErrorResponse{Message: err.Error()}, clog)
		return
	}

	if logReq, ok := request.(*protocol.LogRequest); ok {
		if err := mgr.StreamLogs(logReq.Name, logReq.Lines, logReq.Follow, conn); err != nil {
			clog.Debug("log stream ended", zap.Error(err))
		}
		return
	}

	response := mgr.Dispatch(request, shutdown)
	writeResponse(conn, response, clog)
}

// readLine reads one '\n'-terminated line, bounded by maxRequestLine.
func readLine(reader *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if len(line) > maxRequestLine {
			return "", errors.New("request line too large")
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}

func writeResponse(conn net.Conn, resp protocol.Response, log *logger.Logger) {
	encoded, err := protocol.EncodeResponse(resp)
	if err != nil {
		log.Error("failed to encode response", zap.Error(err))
		return
	}
	if _, err := conn.Write(encoded); err != nil {
		log.Debug("failed to write response", zap.Error(err))
	}
}
