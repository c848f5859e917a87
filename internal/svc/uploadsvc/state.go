package uploadsvc

import (
	"net"
	"sync"
	"time"

	"github.com/mkrupp/imgqueue/internal/domain"
	"github.com/mkrupp/imgqueue/internal/repo/imagestore"
	"github.com/mkrupp/imgqueue/internal/repo/stats"
)

// State is the process-wide value every task in the pipeline shares: the
// acceptor, connection handlers, and worker all hold a reference to the same
// State rather than reaching through module-level globals, per the "global
// mutable state" design note.
type State struct {
	Config Config
	Queue  *PriorityQueue
	Store  *imagestore.Store
	Stats  stats.Repository

	status    domain.ServerStatus
	statusMu  sync.Mutex
	startedAt time.Time

	connMu sync.Mutex
	conns  map[net.Conn]time.Time
}

// NewState constructs a State in the Stopped status.
func NewState(cfg Config, queue *PriorityQueue, store *imagestore.Store, statsRepo stats.Repository) *State {
	return &State{
		Config:    cfg,
		Queue:     queue,
		Store:     store,
		Stats:     statsRepo,
		status:    domain.StatusStopped,
		statusMu:  sync.Mutex{},
		startedAt: time.Time{},
		connMu:    sync.Mutex{},
		conns:     make(map[net.Conn]time.Time),
	}
}

// SetStatus atomically transitions the supervisor's lifecycle state.
func (s *State) SetStatus(status domain.ServerStatus) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if status == domain.StatusRunning && s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}

	s.status = status
}

// Status returns the supervisor's current lifecycle state.
func (s *State) Status() domain.ServerStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	return s.status
}

// Uptime returns the duration since the server entered the Running status.
func (s *State) Uptime() time.Duration {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	if s.startedAt.IsZero() {
		return 0
	}

	return time.Since(s.startedAt)
}

// TryAdmit registers conn in the connection table if under the configured
// limit, returning false (and registering nothing) if the table is full.
func (s *State) TryAdmit(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if len(s.conns) >= s.Config.MaxConnectionsEffective() {
		return false
	}

	s.conns[conn] = time.Now()

	return true
}

// Release removes conn from the connection table. Safe to call more than
// once; a second call is a no-op.
func (s *State) Release(conn net.Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	delete(s.conns, conn)
}

// ConnectionCount returns the number of currently admitted connections.
func (s *State) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	return len(s.conns)
}

// CloseOutstandingConnections force-closes every still-registered
// connection. Called during shutdown after the listener stops accepting, to
// release any handler stuck mid-request.
func (s *State) CloseOutstandingConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
