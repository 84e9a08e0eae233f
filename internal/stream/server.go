// Package stream implements the push socket: every connected client gets
// the latest readings as one JSON line whenever they change.
//
// A fixed pool of workers all accept on the same listener. Each worker
// serves one client at a time and goes back to accepting when that client
// goes away, so the pool size bounds the number of clients being served.
package stream

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/logitemp/logitemp/internal/audit"
	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/logging"
	"github.com/logitemp/logitemp/internal/telemetry"
)

// Terminator ends every message.
const Terminator = "\n\r"

const (
	// probeWindow bounds the per cycle read used to notice a peer close.
	probeWindow = time.Millisecond
	// acceptBackoff spaces out retries after a non fatal accept error.
	acceptBackoff = 50 * time.Millisecond
)

var errServerClosing = errors.New("server closing")

// Server pushes snapshots to stream clients.
type Server struct {
	cfg     config.StreamConfig
	store   *telemetry.Store
	cycle   time.Duration
	clock   clock.Clock
	logger  logging.Logger
	journal audit.Recorder

	listener net.Listener
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]net.Conn
	active  atomic.Int32
	served  atomic.Uint64
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces the wall clock used for the per client cycle and the
// accept retry backoff.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithJournal records client sessions.
func WithJournal(r audit.Recorder) Option {
	return func(s *Server) { s.journal = r }
}

// NewServer returns a server that checks the store once per cycle for
// every client.
func NewServer(cfg config.StreamConfig, store *telemetry.Store, cycle time.Duration, logger logging.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		cycle:    cycle,
		clock:    clock.New(),
		logger:   logger,
		journal:  audit.Nop,
		stopChan: make(chan struct{}),
		conns:    make(map[string]net.Conn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	s.listener = l
	s.logger.Infow("stream server listening", "addr", l.Addr().String(), "workers", s.cfg.Workers)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Active is the number of clients being served.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Served is the number of clients accepted since start.
func (s *Server) Served() uint64 {
	return s.served.Load()
}

// Serve runs the worker pool until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("stream server is not listening")
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	select {
	case <-ctx.Done():
	case <-s.stopChan:
	}
	s.shutdown()
	s.wg.Wait()
	return nil
}

// Close stops accepting, drops every client and waits for the workers.
func (s *Server) Close() error {
	s.shutdown()
	s.wg.Wait()
	return nil
}

func (s *Server) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debugw("closing stream listener", "error", err)
			}
		}
		s.connsMu.Lock()
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.connsMu.Unlock()
	})
}

func (s *Server) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}

func (s *Server) worker(n int) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnw("stream accept failed", "worker", n, "error", err)
			select {
			case <-s.stopChan:
				return
			case <-s.clock.After(acceptBackoff):
			}
			continue
		}
		s.handle(n, conn)
	}
}

// handle serves one client until it fails, goes away or the server stops.
func (s *Server) handle(worker int, conn net.Conn) {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	if !s.track(id, conn) {
		_ = conn.Close()
		return
	}
	s.served.Inc()
	s.logger.Infow("stream client connected", "client", id, "remote", remote, "worker", worker)
	s.journal.Record("stream", "connect", id, map[string]interface{}{"remote": remote}, nil)

	sent, err := s.push(conn)

	s.untrack(id)
	_ = conn.Close()
	if errors.Is(err, errServerClosing) || s.stopped() {
		err = nil
	}
	s.logger.Infow("stream client disconnected", "client", id, "messages", sent, "reason", reason(err))
	s.journal.Record("stream", "disconnect", id, map[string]interface{}{"remote": remote, "messages": sent}, err)
}

func (s *Server) push(conn net.Conn) (int, error) {
	ticker := s.clock.Ticker(s.cycle)
	defer ticker.Stop()

	var last []byte
	probe := make([]byte, 256)
	sent := 0
	for {
		if snap, err := s.store.Current(); err == nil {
			payload, err := telemetry.Encode(snap)
			if err != nil {
				return sent, err
			}
			if !bytes.Equal(payload, last) {
				if err := s.write(conn, payload); err != nil {
					return sent, err
				}
				last = payload
				sent++
			}
		}

		select {
		case <-s.stopChan:
			return sent, errServerClosing
		case <-ticker.C:
		}

		if err := peek(conn, probe); err != nil {
			return sent, err
		}
	}
}

func (s *Server) write(conn net.Conn, payload []byte) error {
	msg := make([]byte, 0, len(payload)+len(Terminator))
	msg = append(msg, payload...)
	msg = append(msg, Terminator...)
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if _, err := conn.Write(msg); err != nil {
		return errors.Wrap(err, "send")
	}
	return nil
}

// peek drains whatever the client sent and reports a closed or broken
// connection. Client bytes carry no meaning.
func peek(conn net.Conn, buf []byte) error {
	if err := conn.SetReadDeadline(time.Now().Add(probeWindow)); err != nil {
		return errors.Wrap(err, "set read deadline")
	}
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return errors.Wrap(err, "recv")
		}
		if n < len(buf) {
			return nil
		}
	}
}

func (s *Server) track(id string, conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.stopped() {
		return false
	}
	s.conns[id] = conn
	s.active.Inc()
	return true
}

func (s *Server) untrack(id string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, id)
	s.active.Dec()
}

func reason(err error) string {
	if err == nil {
		return "server closing"
	}
	return err.Error()
}
