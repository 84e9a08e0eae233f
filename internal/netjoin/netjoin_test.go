package netjoin

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"go.viam.com/test"

	"github.com/logitemp/logitemp/internal/config"
	"github.com/logitemp/logitemp/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ipNet(s string) *net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestRoutable(t *testing.T) {
	test.That(t, Routable(nil), test.ShouldBeNil)
	test.That(t, Routable([]net.Addr{ipNet("127.0.0.1/8"), ipNet("169.254.3.4/16"), ipNet("fe80::1/64")}), test.ShouldBeNil)

	ip := Routable([]net.Addr{ipNet("127.0.0.1/8"), ipNet("2001:db8::1/64"), ipNet("192.168.4.20/24")})
	test.That(t, ip.String(), test.ShouldEqual, "192.168.4.20")

	ip = Routable([]net.Addr{&net.IPAddr{IP: net.ParseIP("10.0.0.7")}})
	test.That(t, ip.String(), test.ShouldEqual, "10.0.0.7")
}

type scriptedAddrs struct {
	mu    sync.Mutex
	calls int
	ready int
}

func (s *scriptedAddrs) lookup(iface string) ([]net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if iface != "wlan0" {
		return nil, errors.Errorf("no such interface %q", iface)
	}
	if s.calls < s.ready {
		return []net.Addr{ipNet("127.0.0.1/8")}, nil
	}
	return []net.Addr{ipNet("192.168.4.20/24")}, nil
}

func (s *scriptedAddrs) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestJoinWaitsForAddress(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedAddrs{ready: 3}
	j := NewHostJoiner(src.lookup, mock, logging.NewTestLogger(t))

	type result struct {
		ip  net.IP
		err error
	}
	done := make(chan result, 1)
	go func() {
		ip, err := j.Join(context.Background(), config.WiFiConfig{SSID: "lab", Password: "pw", Interface: "wlan0", JoinTimeout: time.Minute})
		done <- result{ip, err}
	}()

	for i := 1; i < 3; i++ {
		for src.count() < i {
			time.Sleep(time.Millisecond)
		}
		mock.Add(pollInterval)
	}
	r := <-done
	test.That(t, r.err, test.ShouldBeNil)
	test.That(t, r.ip.String(), test.ShouldEqual, "192.168.4.20")
}

func TestJoinTimeout(t *testing.T) {
	mock := clock.NewMock()
	src := &scriptedAddrs{}
	j := NewHostJoiner(src.lookup, mock, logging.NewTestLogger(t))

	done := make(chan error, 1)
	go func() {
		_, err := j.Join(context.Background(), config.WiFiConfig{SSID: "lab", Interface: "eth9", JoinTimeout: time.Second})
		done <- err
	}()
	for src.count() < 1 {
		time.Sleep(time.Millisecond)
	}
	mock.Add(2 * time.Second)

	err := <-done
	test.That(t, errors.Is(err, ErrTimeout), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "eth9")
}

func TestJoinCanceled(t *testing.T) {
	j := NewHostJoiner(func(string) ([]net.Addr, error) { return nil, nil }, clock.NewMock(), logging.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := j.Join(ctx, config.WiFiConfig{SSID: "lab"})
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestJoinNeedsCredentials(t *testing.T) {
	j := NewHostJoiner(nil, nil, logging.NewTestLogger(t))
	_, err := j.Join(context.Background(), config.WiFiConfig{})
	test.That(t, err, test.ShouldEqual, ErrNoCredentials)
}

func TestStatic(t *testing.T) {
	ip, err := Static{IP: net.IPv4(127, 0, 0, 1)}.Join(context.Background(), config.WiFiConfig{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ip.String(), test.ShouldEqual, "127.0.0.1")

	boom := errors.New("boom")
	_, err = Static{Err: boom}.Join(context.Background(), config.WiFiConfig{})
	test.That(t, err, test.ShouldEqual, boom)
}
