package stream

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.viam.com/test"

	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/driver"
	"github.com/logitemp/logitemp/internal/logging"
	"github.com/logitemp/logitemp/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const cycle = 10 * time.Millisecond

var (
	devA = driver.DeviceID{0x28, 0xff, 0x4c, 0x8b, 0x71, 0x16, 0x03, 0xa1}
	devB = driver.DeviceID{0x28, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	devC = driver.DeviceID{0x10, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x00, 0x11}
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// scenario builds the snapshot of three bindings where the third failed.
func scenario(c uint64, tempA telemetry.Centi) *telemetry.Snapshot {
	return &telemetry.Snapshot{
		Cycle: c,
		Readings: []telemetry.Reading{
			{Binding: telemetry.Binding{Port: 1, Device: devA}, Temp: tempA},
			{Binding: telemetry.Binding{Port: 1, Device: devB}, Temp: 2230},
		},
		Faults: []telemetry.Fault{{Binding: telemetry.Binding{Port: 2, Device: devC}, Err: "CRC_MISMATCH"}},
	}
}

const scenarioPayload = `[{"serial":"0x28ff4c8b711603a1","port":1,"temp":"21.50"},` +
	`{"serial":"0x2801020304050607","port":1,"temp":"22.30"}]`

type sessionJournal struct {
	mu     sync.Mutex
	events []string
}

func (j *sessionJournal) Record(_, event, _ string, _ map[string]interface{}, _ error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *sessionJournal) count(event string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.events {
		if e == event {
			n++
		}
	}
	return n
}

func startServer(t *testing.T, store *telemetry.Store, workers int, opts ...Option) *Server {
	t.Helper()
	cfg := config.StreamConfig{Host: "127.0.0.1", Port: 0, Workers: workers, WriteTimeout: time.Second}
	s := NewServer(cfg, store, cycle, logging.NewTestLogger(t), opts...)
	test.That(t, s.Listen(), test.ShouldBeNil)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		test.That(t, s.Close(), test.ShouldBeNil)
		test.That(t, <-done, test.ShouldBeNil)
	})
	return s
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, s *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

// next reads one message, or returns ok=false when none arrives in wait.
func (c *client) next(t *testing.T, wait time.Duration) (string, bool) {
	t.Helper()
	test.That(t, c.conn.SetReadDeadline(time.Now().Add(wait)), test.ShouldBeNil)
	msg, err := c.r.ReadString('\r')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			test.That(t, msg, test.ShouldBeEmpty)
			return "", false
		}
		t.Fatalf("read: %v", err)
	}
	return msg, true
}

func TestListenConflict(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	defer taken.Close()

	port := taken.Addr().(*net.TCPAddr).Port
	s := NewServer(config.StreamConfig{Host: "127.0.0.1", Port: port, Workers: 1, WriteTimeout: time.Second},
		telemetry.NewStore(), cycle, logging.NewTestLogger(t))
	err = s.Listen()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, s.Addr(), test.ShouldBeNil)
	test.That(t, s.Serve(context.Background()), test.ShouldNotBeNil)
}

func TestMessageFormat(t *testing.T) {
	store := telemetry.NewStore()
	store.Publish(scenario(1, 2150))
	s := startServer(t, store, 1)

	c := dial(t, s)
	msg, ok := c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, msg, test.ShouldEqual, scenarioPayload+Terminator)
	test.That(t, strings.Contains(msg, "CRC_MISMATCH"), test.ShouldBeFalse)
}

func TestNothingBeforeFirstPublish(t *testing.T) {
	store := telemetry.NewStore()
	s := startServer(t, store, 1)
	c := dial(t, s)
	waitFor(t, "client accepted", func() bool { return s.Active() == 1 })

	_, ok := c.next(t, 5*cycle)
	test.That(t, ok, test.ShouldBeFalse)

	store.Publish(scenario(1, 2150))
	msg, ok := c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, msg, test.ShouldEqual, scenarioPayload+Terminator)
}

func TestChangeSuppression(t *testing.T) {
	store := telemetry.NewStore()
	store.Publish(scenario(1, 2150))
	s := startServer(t, store, 1)

	c := dial(t, s)
	first, ok := c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, first, test.ShouldEqual, scenarioPayload+Terminator)

	// Five identical republishes, each given more than one cycle.
	for i := uint64(2); i <= 6; i++ {
		store.Publish(scenario(i, 2150))
		_, ok := c.next(t, 2*cycle)
		test.That(t, ok, test.ShouldBeFalse)
	}

	store.Publish(scenario(7, 2175))
	msg, ok := c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, msg, test.ShouldContainSubstring, `"temp":"21.75"`)
	test.That(t, strings.HasSuffix(msg, Terminator), test.ShouldBeTrue)
}

func TestClientsAreIndependent(t *testing.T) {
	store := telemetry.NewStore()
	store.Publish(scenario(1, 2150))
	s := startServer(t, store, 2)

	early := dial(t, s)
	_, ok := early.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)

	store.Publish(scenario(2, 2175))
	_, ok = early.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)

	// A late client starts from its own empty history.
	late := dial(t, s)
	msg, ok := late.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, msg, test.ShouldContainSubstring, `"temp":"21.75"`)
}

func TestPoolBoundsClients(t *testing.T) {
	store := telemetry.NewStore()
	store.Publish(scenario(1, 2150))
	journal := &sessionJournal{}
	s := startServer(t, store, 2, WithJournal(journal))

	a := dial(t, s)
	b := dial(t, s)
	_, ok := a.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	_, ok = b.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)

	// The third client waits in the backlog until a worker frees up.
	c := dial(t, s)
	_, ok = c.next(t, 5*cycle)
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, a.conn.Close(), test.ShouldBeNil)
	msg, ok := c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, msg, test.ShouldEqual, scenarioPayload+Terminator)

	waitFor(t, "disconnect recorded", func() bool { return journal.count("disconnect") == 1 })
	test.That(t, journal.count("connect"), test.ShouldEqual, 3)
	test.That(t, s.Active(), test.ShouldEqual, 2)
	test.That(t, s.Served(), test.ShouldEqual, uint64(3))
}

func TestClientBytesAreIgnored(t *testing.T) {
	store := telemetry.NewStore()
	store.Publish(scenario(1, 2150))
	s := startServer(t, store, 1)

	c := dial(t, s)
	_, ok := c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)

	_, err := c.conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	test.That(t, err, test.ShouldBeNil)
	store.Publish(scenario(2, 2175))
	_, ok = c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, s.Active(), test.ShouldEqual, 1)
}

func TestCloseDropsClients(t *testing.T) {
	store := telemetry.NewStore()
	store.Publish(scenario(1, 2150))
	cfg := config.StreamConfig{Host: "127.0.0.1", Port: 0, Workers: 3, WriteTimeout: time.Second}
	s := NewServer(cfg, store, cycle, logging.NewTestLogger(t))
	test.That(t, s.Listen(), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	c := dial(t, s)
	_, ok := c.next(t, time.Second)
	test.That(t, ok, test.ShouldBeTrue)

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
	test.That(t, s.Active(), test.ShouldEqual, 0)

	test.That(t, c.conn.SetReadDeadline(time.Now().Add(time.Second)), test.ShouldBeNil)
	_, err := c.r.ReadString('\r')
	test.That(t, err, test.ShouldNotBeNil)

	_, err = net.Dial("tcp", s.Addr().String())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, s.Close(), test.ShouldBeNil)
}

// flakyListener fails its first Accept and then blocks until closed.
type flakyListener struct {
	accepts atomic.Int32
	closed  chan struct{}
	once    sync.Once
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.accepts.Inc() == 1 {
		return nil, errors.New("accept4: too many open files")
	}
	<-l.closed
	return nil, net.ErrClosed
}

func (l *flakyListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *flakyListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestAcceptErrorBacksOffOnClock(t *testing.T) {
	mock := clock.NewMock()
	l := &flakyListener{closed: make(chan struct{})}
	s := NewServer(config.StreamConfig{Workers: 1, WriteTimeout: time.Second}, telemetry.NewStore(), cycle,
		logging.NewTestLogger(t), WithClock(mock))
	s.listener = l

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	waitFor(t, "first accept", func() bool { return l.accepts.Load() == 1 })
	time.Sleep(4 * acceptBackoff)
	test.That(t, l.accepts.Load(), test.ShouldEqual, int32(1))

	waitFor(t, "retry after backoff", func() bool {
		mock.Add(acceptBackoff)
		return l.accepts.Load() == 2
	})

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
}
