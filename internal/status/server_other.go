//go:build !linux

package status

import (
	"context"
	"net"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/logitemp/logitemp/internal/audit"
	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/logging"
	"github.com/logitemp/logitemp/internal/telemetry"
)

// ErrUnsupported is returned by Listen on platforms without poll support.
var ErrUnsupported = errors.New("status server requires linux")

// Server is unavailable on this platform.
type Server struct{}

// Option configures a Server.
type Option func(*Server)

// WithJournal is accepted for API parity.
func WithJournal(audit.Recorder) Option { return func(*Server) {} }

// WithClock is accepted for API parity.
func WithClock(clock.Clock) Option { return func(*Server) {} }

// NewServer returns a server whose Listen always fails.
func NewServer(config.StatusConfig, *telemetry.Store, logging.Logger, ...Option) *Server {
	return &Server{}
}

func (s *Server) Listen() error { return ErrUnsupported }
func (s *Server) Addr() net.Addr { return nil }
func (s *Server) Open() int { return 0 }
func (s *Server) Served() uint64 { return 0 }
func (s *Server) Serve(context.Context) error { return ErrUnsupported }
func (s *Server) Close() error { return nil }
