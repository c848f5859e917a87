package uploadsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mkrupp/imgqueue/internal/domain"
	"github.com/mkrupp/imgqueue/internal/infra/logging"
	"github.com/mkrupp/imgqueue/internal/infra/rawhttp"
)

// ErrReloadRequested is returned by ListenAndServe when it stops because of
// SIGHUP rather than SIGTERM/SIGINT/ctx cancellation: the caller is expected
// to re-read configuration and call ListenAndServe again with a Supervisor
// bound to fresh Config, per the spec's "SIGHUP sets a reload flag (config
// is re-read; server is stopped and restarted)".
var ErrReloadRequested = errors.New("reload requested")

// idleConnReap is how long an admitted connection is allowed to sit in the
// connection table before the supervisor force-closes it out from under its
// handler goroutine, per the spec's idle-connection reap.
const idleConnReap = 300 * time.Second

// tempFileMaxAge is how old an orphaned temp file must be before the
// reaper removes it.
const tempFileMaxAge = 24 * time.Hour

// reapInterval and statsSnapshotInterval match the spec's periodic
// maintenance cadence.
const (
	reapInterval          = time.Hour
	statsSnapshotInterval = 5 * time.Minute
)

// Supervisor owns the listening socket, admission-controls concurrent
// connections, spawns a ConnectionHandler goroutine per accepted connection,
// and runs the single Worker goroutine. It is the acceptor described in
// §4.7, grounded on the original's accept_client_connection/add_client plus
// cleanup_inactive_clients, translated to Go's net package and goroutines.
type Supervisor struct {
	state    *State
	handler  *ConnectionHandler
	worker   *Worker
	listener net.Listener
	log      logging.Logger
}

// NewSupervisor wires a Supervisor over a shared State.
func NewSupervisor(state *State, handler *ConnectionHandler, worker *Worker) *Supervisor {
	return &Supervisor{
		state:    state,
		handler:  handler,
		worker:   worker,
		listener: nil,
		log:      logging.GetLogger("svc.uploadsvc.acceptor"),
	}
}

// ListenAndServe binds the listening socket, starts the worker and
// maintenance loops, and runs the accept loop until a termination signal or
// SIGHUP arrives or ctx is canceled. On SIGTERM/SIGINT/ctx cancellation it
// drains and shuts down cleanly, returning nil. On SIGHUP it drains and
// shuts down the same way but returns ErrReloadRequested, so the caller can
// re-read config and call ListenAndServe again on a freshly-bound
// Supervisor to complete the restart cycle.
func (s *Supervisor) ListenAndServe(ctx context.Context) error {
	s.state.SetStatus(domain.StatusStarting)

	// runCtx scopes the maintenance goroutines to this single
	// ListenAndServe invocation: without canceling it on return, a SIGHUP
	// restart (a fresh Supervisor, fresh ListenAndServe call, same process
	// context) would accumulate a second reapLoop/statsSnapshotLoop pair
	// every cycle instead of replacing the first.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	lc := net.ListenConfig{
		Control:   reuseAddrControl,
		KeepAlive: 0,
	}

	listener, err := lc.Listen(ctx, "tcp", ":"+strconv.Itoa(s.state.Config.Port))
	if err != nil {
		s.state.SetStatus(domain.StatusStopped)

		return fmt.Errorf("listen on port %d: %w", s.state.Config.Port, err)
	}

	s.listener = listener

	workerDone := make(chan struct{})

	go func() {
		defer close(workerDone)
		s.worker.Run(runCtx)
	}()

	go s.reapLoop(runCtx)
	go s.statsSnapshotLoop(runCtx)

	s.state.SetStatus(domain.StatusRunning)
	s.log.InfoContext(ctx, "server running", logging.Group("server",
		"port", s.state.Config.Port,
		"max_connections", s.state.Config.MaxConnectionsEffective(),
	))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	acceptDone := make(chan struct{})

	go func() {
		defer close(acceptDone)
		s.acceptLoop(runCtx)
	}()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				s.log.InfoContext(ctx, "SIGHUP received, restarting server with reloaded configuration")
				s.shutdown(ctx, workerDone)
				<-acceptDone

				return ErrReloadRequested
			}

			s.log.InfoContext(ctx, "termination signal received, shutting down", "signal", sig.String())
			s.shutdown(ctx, workerDone)
			<-acceptDone

			return nil
		case <-acceptDone:
			s.shutdown(ctx, workerDone)

			return nil
		case <-ctx.Done():
			s.shutdown(ctx, workerDone)
			<-acceptDone

			return nil
		}
	}
}

func (s *Supervisor) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.state.Status() == domain.StatusStopping || s.state.Status() == domain.StatusStopped {
				return
			}

			s.log.WarnContext(ctx, "accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)

			continue
		}

		if !s.state.TryAdmit(conn) {
			s.log.WarnContext(ctx, "max connections reached, rejecting", logging.Group("conn",
				"remote", conn.RemoteAddr().String(),
			))

			_ = rawhttp.WriteError(conn, 503, "server busy")
			_ = conn.Close()

			continue
		}

		go s.serve(ctx, conn)
	}
}

func (s *Supervisor) serve(ctx context.Context, conn net.Conn) {
	reapTimer := time.AfterFunc(idleConnReap, func() {
		_ = conn.Close()
	})

	defer func() {
		reapTimer.Stop()
		s.state.Release(conn)
	}()

	handle := rawhttp.TracingMiddleware(
		rawhttp.LoggingMiddleware(
			rawhttp.RescuingMiddleware(s.handler.Handle, s.log),
			s.log,
		),
	)

	handle(ctx, conn)
}

// shutdown stops accepting, signals the queue to shut down, waits for the
// worker to drain and exit, then force-closes any connections still stuck
// in a handler goroutine.
func (s *Supervisor) shutdown(ctx context.Context, workerDone <-chan struct{}) {
	s.state.SetStatus(domain.StatusStopping)

	_ = s.listener.Close()

	s.state.Queue.Shutdown()

	<-workerDone

	s.state.CloseOutstandingConnections()

	s.state.SetStatus(domain.StatusStopped)
	s.log.InfoContext(ctx, "server stopped")
}

func (s *Supervisor) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reapTempFiles(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) reapTempFiles(ctx context.Context) {
	entries, err := os.ReadDir(s.state.Config.TempPath)
	if err != nil {
		s.log.WarnContext(ctx, "reap: read temp dir failed", "error", err)

		return
	}

	cutoff := time.Now().Add(-tempFileMaxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := s.state.Config.TempPath + string(os.PathSeparator) + entry.Name()
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		s.log.InfoContext(ctx, "reaped stale temp files", "count", removed)
	}
}

func (s *Supervisor) statsSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(statsSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := s.state.Stats.Stats(ctx)
			if err != nil {
				s.log.WarnContext(ctx, "stats snapshot failed", "error", err)

				continue
			}

			s.log.InfoContext(ctx, "stats snapshot", logging.Group("stats",
				"total_uploads", stats.TotalUploads,
				"total_bytes", stats.TotalBytes,
				"queue_size", s.state.Queue.Size(),
				"connection_count", s.state.ConnectionCount(),
			))
		case <-ctx.Done():
			return
		}
	}
}

