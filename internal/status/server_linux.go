//go:build linux

package status

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/logitemp/logitemp/internal/audit"
	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/logging"
	"github.com/logitemp/logitemp/internal/telemetry"
)

const (
	// readSize is the single read taken as the whole request.
	readSize = 1024
	// drainTimeout bounds how long an answered client may hold its socket
	// open before it is closed from this side.
	drainTimeout = time.Second
)

type client struct {
	fd       int
	id       string
	remote   string
	out      []byte
	draining bool
	lastSeen time.Time
}

// Server is the poll driven status responder.
type Server struct {
	cfg     config.StatusConfig
	store   *telemetry.Store
	logger  logging.Logger
	journal audit.Recorder
	clock   clock.Clock

	// fdMu guards the descriptors and the serving handoff between Serve
	// and Close.
	fdMu  sync.Mutex
	lfd   int
	wakeR int
	wakeW int
	addr  *net.TCPAddr

	// clients is owned by the Serve goroutine.
	clients map[int]*client
	open    atomic.Int32
	served  atomic.Uint64

	closing   atomic.Bool
	closeOnce sync.Once
	serving   atomic.Bool
	done      chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithJournal records client sessions.
func WithJournal(r audit.Recorder) Option {
	return func(s *Server) { s.journal = r }
}

// WithClock replaces the clock used for idle tracking.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer returns an unbound server.
func NewServer(cfg config.StatusConfig, store *telemetry.Store, logger logging.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		journal: audit.Nop,
		clock:   clock.New(),
		lfd:     -1,
		wakeR:   -1,
		wakeW:   -1,
		clients: make(map[int]*client),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Listen creates the non-blocking listening socket and the wake pipe.
func (s *Server) Listen() error {
	sa := &unix.SockaddrInet4{Port: s.cfg.Port}
	if s.cfg.Host != "" {
		ip := net.ParseIP(s.cfg.Host).To4()
		if ip == nil {
			return errors.Errorf("status host %q is not an IPv4 address", s.cfg.Host)
		}
		copy(sa.Addr[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return errors.Wrapf(err, "failed to bind %s:%d", s.cfg.Host, s.cfg.Port)
	}
	if err := unix.Listen(fd, s.cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return errors.Wrap(err, "listen")
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return errors.Wrap(err, "getsockname")
	}
	in4, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		_ = unix.Close(fd)
		return errors.New("unexpected listener address family")
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(fd)
		return errors.Wrap(err, "wake pipe")
	}
	s.lfd, s.wakeR, s.wakeW = fd, pipe[0], pipe[1]
	s.addr = &net.TCPAddr{IP: net.IP(append([]byte(nil), in4.Addr[:]...)), Port: in4.Port}
	s.logger.Infow("status server listening", "addr", s.addr.String(), "max_conns", s.cfg.MaxConns)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.addr == nil {
		return nil
	}
	return s.addr
}

// Open is the number of client sockets currently watched.
func (s *Server) Open() int {
	return int(s.open.Load())
}

// Served is the number of responses written in full.
func (s *Server) Served() uint64 {
	return s.served.Load()
}

// Serve runs the readiness loop until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	s.fdMu.Lock()
	if s.lfd < 0 {
		s.fdMu.Unlock()
		return errors.New("status server is not listening")
	}
	if !s.serving.CompareAndSwap(false, true) {
		s.fdMu.Unlock()
		return errors.New("status server already serving")
	}
	s.fdMu.Unlock()
	defer close(s.done)
	defer s.release()
	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	fds := make([]unix.PollFd, 0, 2+s.cfg.MaxConns)
	order := make([]*client, 0, s.cfg.MaxConns)
	buf := make([]byte, readSize)
	for {
		if s.closing.Load() {
			return nil
		}
		fds = fds[:0]
		order = order[:0]
		fds = append(fds, unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN})
		watchListener := len(s.clients) < s.cfg.MaxConns
		if watchListener {
			fds = append(fds, unix.PollFd{Fd: int32(s.lfd), Events: unix.POLLIN})
		}
		for _, c := range s.clients {
			events := int16(unix.POLLIN)
			if len(c.out) > 0 {
				events = unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: events})
			order = append(order, c)
		}

		if _, err := unix.Poll(fds, s.pollTimeout()); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "poll")
		}

		if fds[0].Revents != 0 {
			s.drainWake()
			if s.closing.Load() {
				return nil
			}
		}
		first := 1
		if watchListener {
			if fds[1].Revents&unix.POLLIN != 0 {
				s.acceptAll()
			}
			first = 2
		}
		for i, c := range order {
			s.service(c, fds[first+i].Revents, buf)
		}
		s.sweepIdle()
	}
}

// Close wakes the loop, waits for it to exit and releases every socket.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.wake()
	})
	s.fdMu.Lock()
	if s.serving.Load() {
		s.fdMu.Unlock()
		<-s.done
		return nil
	}
	// Serve never ran, so there are no clients to drop.
	s.closeFDsLocked()
	s.fdMu.Unlock()
	return nil
}

func (s *Server) wake() {
	s.closing.Store(true)
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	if s.wakeW >= 0 {
		_, _ = unix.Write(s.wakeW, []byte{1})
	}
}

func (s *Server) drainWake() {
	var b [16]byte
	for {
		if n, err := unix.Read(s.wakeR, b[:]); n <= 0 || err != nil {
			return
		}
	}
}

// expiry returns when c is closed for inactivity, or false if never.
func (s *Server) expiry(c *client) (time.Time, bool) {
	if c.draining {
		limit := drainTimeout
		if s.cfg.IdleTimeout > 0 && s.cfg.IdleTimeout < limit {
			limit = s.cfg.IdleTimeout
		}
		return c.lastSeen.Add(limit), true
	}
	if s.cfg.IdleTimeout <= 0 {
		return time.Time{}, false
	}
	return c.lastSeen.Add(s.cfg.IdleTimeout), true
}

func (s *Server) pollTimeout() int {
	now := s.clock.Now()
	var next time.Duration
	found := false
	for _, c := range s.clients {
		at, ok := s.expiry(c)
		if !ok {
			continue
		}
		if left := at.Sub(now); !found || left < next {
			next, found = left, true
		}
	}
	switch {
	case !found:
		return -1
	case next <= 0:
		return 0
	}
	return int((next + time.Millisecond - 1) / time.Millisecond)
}

func (s *Server) acceptAll() {
	for len(s.clients) < s.cfg.MaxConns {
		nfd, sa, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.ECONNABORTED) {
				s.logger.Warnw("status accept failed", "error", err)
			}
			return
		}
		c := &client{fd: nfd, id: uuid.NewString(), remote: remoteString(sa), lastSeen: s.clock.Now()}
		s.clients[nfd] = c
		s.open.Inc()
		s.logger.Debugw("status client connected", "client", c.id, "remote", c.remote)
		s.journal.Record("status", "connect", c.id, map[string]interface{}{"remote": c.remote}, nil)
	}
}

func (s *Server) service(c *client, revents int16, buf []byte) {
	if revents == 0 {
		return
	}
	if revents&unix.POLLNVAL != 0 {
		s.drop(c, errors.New("invalid descriptor"))
		return
	}
	if revents&unix.POLLOUT != 0 {
		s.flush(c)
		return
	}
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		return
	}

	n, err := unix.Read(c.fd, buf)
	switch {
	case errors.Is(err, unix.EAGAIN):
		return
	case err != nil:
		s.drop(c, errors.Wrap(err, "recv"))
		return
	case n == 0:
		s.drop(c, nil)
		return
	}
	c.lastSeen = s.clock.Now()
	if c.draining {
		return
	}

	snap, err := s.store.Current()
	if err != nil {
		snap = nil
	}
	body, err := Render(snap)
	if err != nil {
		s.drop(c, err)
		return
	}
	s.logger.Debugw("status request", "client", c.id, "bytes", n)
	c.out = Response(body)
	s.flush(c)
}

// flush writes as much of the pending response as the socket takes. Once
// complete the write side is shut and the peer's close is awaited.
func (s *Server) flush(c *client) {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			s.drop(c, errors.Wrap(err, "send"))
			return
		}
		c.out = c.out[n:]
	}
	c.lastSeen = s.clock.Now()
	c.draining = true
	s.served.Inc()
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		s.drop(c, nil)
	}
}

func (s *Server) sweepIdle() {
	now := s.clock.Now()
	for _, c := range s.clients {
		at, ok := s.expiry(c)
		if !ok || now.Before(at) {
			continue
		}
		if c.draining {
			s.drop(c, nil)
			continue
		}
		s.drop(c, errors.New("idle timeout"))
	}
}

func (s *Server) drop(c *client, cause error) {
	if _, ok := s.clients[c.fd]; !ok {
		return
	}
	delete(s.clients, c.fd)
	_ = unix.Close(c.fd)
	reason := "closed"
	if cause != nil {
		reason = cause.Error()
	}
	s.logger.Debugw("status client disconnected", "client", c.id, "reason", reason)
	s.journal.Record("status", "disconnect", c.id, map[string]interface{}{"remote": c.remote}, cause)
	s.open.Dec()
}

func (s *Server) release() {
	for _, c := range s.clients {
		s.drop(c, nil)
	}
	s.fdMu.Lock()
	defer s.fdMu.Unlock()
	s.closeFDsLocked()
}

func (s *Server) closeFDsLocked() {
	for _, fd := range []*int{&s.lfd, &s.wakeR, &s.wakeW} {
		if *fd >= 0 {
			_ = unix.Close(*fd)
			*fd = -1
		}
	}
}

func remoteString(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return (&net.TCPAddr{IP: net.IP(in4.Addr[:]), Port: in4.Port}).String()
	}
	return "unknown"
}
