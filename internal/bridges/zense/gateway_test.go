package zense

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockGateway simulates a PC-Boks TCP service for testing. It accepts one
// connection at a time, answers Login/Get/Set/Fade frames with canned
// replies, and records every frame it receives.
type MockGateway struct {
	listener net.Listener
	done     chan struct{}

	mu          sync.Mutex
	conn        net.Conn
	received    []string
	rejectLogin bool
	devices     string
	levels      map[string]string
	names       map[string]string
	dropAfter   int  // close the connection after this many replies (0 = never)
	truncate    bool // cut replies short of the terminator and hang up
}

func NewMockGateway(t *testing.T) *MockGateway {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}

	m := &MockGateway{
		listener: listener,
		done:     make(chan struct{}),
		levels:   make(map[string]string),
		names:    make(map[string]string),
	}

	go m.acceptLoop()
	return m
}

func (m *MockGateway) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}

		m.mu.Lock()
		m.conn = conn
		m.mu.Unlock()

		m.handleConn(conn)
	}
}

func (m *MockGateway) handleConn(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 256)
	acc := ""
	replied := 0

	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			acc += string(buf[:n])
			for {
				frame, rest, ok := extractFrame(acc)
				if !ok {
					break
				}
				acc = rest
				reply := m.replyTo(frame)

				m.mu.Lock()
				truncate := m.truncate
				m.mu.Unlock()
				if truncate {
					// Peer dies mid-frame: some payload, no terminator
					conn.Write([]byte(reply[:len(reply)-3]))
					return
				}

				conn.Write([]byte(reply))
				replied++

				m.mu.Lock()
				drop := m.dropAfter > 0 && replied >= m.dropAfter
				m.mu.Unlock()
				if drop {
					return
				}
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
	}
}

// extractFrame pulls the first complete ">>cmd<<" frame out of the buffer.
func extractFrame(s string) (frame, rest string, ok bool) {
	start := strings.Index(s, ">>")
	if start < 0 {
		return "", s, false
	}
	end := strings.Index(s[start:], "<<")
	if end < 0 {
		return "", s, false
	}
	return s[start+2 : start+end], s[start+end+2:], true
}

func (m *MockGateway) replyTo(cmd string) string {
	m.mu.Lock()
	m.received = append(m.received, cmd)
	reject := m.rejectLogin
	devices := m.devices
	m.mu.Unlock()

	switch {
	case strings.HasPrefix(cmd, "Login "):
		if reject {
			return ">>Login Failed<<"
		}
		return ">>Login Ok<<"
	case cmd == "Get Devices":
		return ">>Get Devices " + devices + "<<"
	case strings.HasPrefix(cmd, "Get Name "):
		id := strings.TrimPrefix(cmd, "Get Name ")
		m.mu.Lock()
		name := m.names[id]
		m.mu.Unlock()
		return ">>Get Name '" + name + "'<<"
	case strings.HasPrefix(cmd, "Get "):
		id := strings.TrimPrefix(cmd, "Get ")
		m.mu.Lock()
		level, found := m.levels[id]
		m.mu.Unlock()
		if !found {
			level = "0"
		}
		return ">>Get " + level + "<<"
	case strings.HasPrefix(cmd, "Set "), strings.HasPrefix(cmd, "Fade "):
		return ">>Ok<<"
	default:
		return ">>Error<<"
	}
}

func (m *MockGateway) Address() string {
	return m.listener.Addr().String()
}

func (m *MockGateway) Close() {
	close(m.done)
	m.listener.Close()
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
}

func (m *MockGateway) Received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.received))
	copy(out, m.received)
	return out
}

func (m *MockGateway) SetRejectLogin(reject bool) {
	m.mu.Lock()
	m.rejectLogin = reject
	m.mu.Unlock()
}

func (m *MockGateway) SetDevices(body string) {
	m.mu.Lock()
	m.devices = body
	m.mu.Unlock()
}

func (m *MockGateway) SetLevel(id, level string) {
	m.mu.Lock()
	m.levels[id] = level
	m.mu.Unlock()
}

func (m *MockGateway) SetName(id, name string) {
	m.mu.Lock()
	m.names[id] = name
	m.mu.Unlock()
}

func (m *MockGateway) SetDropAfter(n int) {
	m.mu.Lock()
	m.dropAfter = n
	m.mu.Unlock()
}

func (m *MockGateway) SetTruncate(truncate bool) {
	m.mu.Lock()
	m.truncate = truncate
	m.mu.Unlock()
}

// connectTestGateway connects to a mock with fast test timeouts.
func connectTestGateway(t *testing.T, m *MockGateway, mutate func(*GatewayConfig)) *Gateway {
	t.Helper()

	host, portStr, err := net.SplitHostPort(m.Address())
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error: %v", m.Address(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q not numeric: %v", portStr, err)
	}

	cfg := GatewayConfig{
		Host:                 host,
		Port:                 port,
		LoginCode:            16713,
		ConnectTimeout:       2 * time.Second,
		ReadTimeout:          time.Second,
		CommandGap:           time.Millisecond,
		ReconnectInterval:    25 * time.Millisecond,
		MaxReconnectInterval: 100 * time.Millisecond,
		AuthCooldown:         time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	g, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return g
}

// waitFor polls a condition until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGatewayConfigDefaults(t *testing.T) {
	if DefaultGatewayPort != 10001 {
		t.Errorf("DefaultGatewayPort = %d, want 10001", DefaultGatewayPort)
	}
	if defaultConnectTimeout != 10*time.Second {
		t.Errorf("defaultConnectTimeout = %v, want 10s", defaultConnectTimeout)
	}
	if defaultReadTimeout != 12*time.Second {
		t.Errorf("defaultReadTimeout = %v, want 12s", defaultReadTimeout)
	}
	if defaultCommandGap != 100*time.Millisecond {
		t.Errorf("defaultCommandGap = %v, want 100ms", defaultCommandGap)
	}
	if defaultReconnectInterval != 5*time.Second {
		t.Errorf("defaultReconnectInterval = %v, want 5s", defaultReconnectInterval)
	}
}

func TestGatewayConnectRequiresHost(t *testing.T) {
	_, err := Connect(context.Background(), GatewayConfig{})
	if err == nil {
		t.Error("Connect() expected error for empty host")
	}
}

func TestGatewayStatsSnapshot(t *testing.T) {
	g := &Gateway{done: newCloseOnce()}
	g.lastActivity.Store(time.Now().Unix())

	stats := g.Stats()
	if stats.CommandsSent != 0 || stats.RepliesReceived != 0 || stats.ErrorsTotal != 0 {
		t.Errorf("initial stats not zero: %+v", stats)
	}
	if stats.Connected {
		t.Error("Connected = true, want false")
	}

	g.commandsSent.Add(5)
	g.repliesReceived.Add(4)
	g.errorsTotal.Add(1)
	g.connMu.Lock()
	g.connected = true
	g.connMu.Unlock()

	stats = g.Stats()
	if stats.CommandsSent != 5 {
		t.Errorf("CommandsSent = %d, want 5", stats.CommandsSent)
	}
	if stats.RepliesReceived != 4 {
		t.Errorf("RepliesReceived = %d, want 4", stats.RepliesReceived)
	}
	if stats.ErrorsTotal != 1 {
		t.Errorf("ErrorsTotal = %d, want 1", stats.ErrorsTotal)
	}
	if !stats.Connected {
		t.Error("Connected = false, want true")
	}
}

func TestGatewaySendNotConnected(t *testing.T) {
	g := &Gateway{done: newCloseOnce()}

	if err := g.TurnOn(context.Background(), 7); !errors.Is(err, ErrNotConnected) {
		t.Errorf("TurnOn() = %v, want ErrNotConnected", err)
	}
	if _, err := g.Level(context.Background(), 7); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Level() = %v, want ErrNotConnected", err)
	}
	if _, err := g.Devices(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Devices() = %v, want ErrNotConnected", err)
	}
}

func TestGatewayInvalidDeviceID(t *testing.T) {
	g := &Gateway{done: newCloseOnce()}
	ctx := context.Background()

	if err := g.TurnOn(ctx, 0); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("TurnOn(0) = %v, want ErrInvalidDeviceID", err)
	}
	if err := g.TurnOff(ctx, -3); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("TurnOff(-3) = %v, want ErrInvalidDeviceID", err)
	}
	if err := g.FadeTo(ctx, 0, 50); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("FadeTo(0) = %v, want ErrInvalidDeviceID", err)
	}
	if _, err := g.Level(ctx, 0); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("Level(0) = %v, want ErrInvalidDeviceID", err)
	}
	if _, err := g.DeviceName(ctx, 0); !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("DeviceName(0) = %v, want ErrInvalidDeviceID", err)
	}
}

func TestLinkStateString(t *testing.T) {
	tests := []struct {
		state LinkState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateAuthenticated, "authenticated"},
		{StateCooldown, "cooldown"},
		{LinkState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("LinkState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNextBackoff(t *testing.T) {
	got := nextBackoff(5*time.Second, 2*time.Minute)
	if got != 7500*time.Millisecond {
		t.Errorf("nextBackoff(5s) = %v, want 7.5s", got)
	}

	got = nextBackoff(100*time.Second, 2*time.Minute)
	if got != 2*time.Minute {
		t.Errorf("nextBackoff(100s) = %v, want cap 2m", got)
	}
}

func TestGatewayConnectAndCommand(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	if !g.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if g.State() != StateAuthenticated {
		t.Errorf("State() = %v, want authenticated", g.State())
	}

	if err := g.TurnOn(context.Background(), 7); err != nil {
		t.Fatalf("TurnOn() error: %v", err)
	}

	received := mock.Received()
	if len(received) != 2 {
		t.Fatalf("received %d frames, want 2: %v", len(received), received)
	}
	if received[0] != "Login 16713" {
		t.Errorf("frame[0] = %q, want login", received[0])
	}
	if received[1] != "Set 7 100" {
		t.Errorf("frame[1] = %q, want Set 7 100", received[1])
	}

	stats := g.Stats()
	if stats.CommandsSent != 1 {
		t.Errorf("CommandsSent = %d, want 1 (login not counted)", stats.CommandsSent)
	}
	if stats.RepliesReceived != 1 {
		t.Errorf("RepliesReceived = %d, want 1", stats.RepliesReceived)
	}
}

func TestGatewayLevelRoundtrip(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetLevel("7", "42")

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	level, err := g.Level(context.Background(), 7)
	if err != nil {
		t.Fatalf("Level() error: %v", err)
	}
	if level != 42 {
		t.Errorf("Level() = %d, want 42", level)
	}
}

func TestGatewayDevicesRoundtrip(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetDevices("1,2,7")

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	ids, err := g.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error: %v", err)
	}
	want := []int{1, 2, 7}
	if len(ids) != len(want) {
		t.Fatalf("Devices() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Devices()[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
}

func TestGatewayDeviceNameRoundtrip(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetName("7", "Kitchen Spots")

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	name, err := g.DeviceName(context.Background(), 7)
	if err != nil {
		t.Fatalf("DeviceName() error: %v", err)
	}
	if name != "Kitchen Spots" {
		t.Errorf("DeviceName(7) = %q, want Kitchen Spots", name)
	}

	// Unnamed module falls back to the generated name.
	name, err = g.DeviceName(context.Background(), 9)
	if err != nil {
		t.Fatalf("DeviceName() error: %v", err)
	}
	if name != "Device_9" {
		t.Errorf("DeviceName(9) = %q, want Device_9", name)
	}
}

func TestGatewayLoginRejected(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetRejectLogin(true)

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	if g.IsConnected() {
		t.Error("IsConnected() = true after rejected login")
	}
	if g.State() != StateCooldown {
		t.Errorf("State() = %v, want cooldown", g.State())
	}
	if err := g.TurnOn(context.Background(), 7); !errors.Is(err, ErrNotConnected) {
		t.Errorf("TurnOn() = %v, want ErrNotConnected", err)
	}
}

func TestGatewayConnectUnreachable(t *testing.T) {
	cfg := GatewayConfig{
		Host:              "127.0.0.1",
		Port:              19999, // nothing listens here
		LoginCode:         16713,
		ConnectTimeout:    500 * time.Millisecond,
		ReconnectInterval: time.Hour, // keep the retry loop idle during the test
	}

	g, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error: %v (unreachable gateway must not be fatal)", err)
	}
	defer g.Close()

	if g.IsConnected() {
		t.Error("IsConnected() = true for unreachable gateway")
	}
}

func TestGatewayCommandGap(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()

	gap := 80 * time.Millisecond
	g := connectTestGateway(t, mock, func(cfg *GatewayConfig) {
		cfg.CommandGap = gap
	})
	defer g.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.TurnOn(ctx, 7); err != nil {
			t.Fatalf("TurnOn() error: %v", err)
		}
	}
	elapsed := time.Since(start)

	// Three sends: the second and third each wait out the gap, so the
	// send starts span at least two full gaps.
	if elapsed < 2*gap {
		t.Errorf("3 commands took %v, want >= %v between send starts", elapsed, 2*gap)
	}
}

func TestGatewayReconnectAfterPeerClose(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetDropAfter(2) // login reply + one command reply, then hang up

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	ctx := context.Background()
	if err := g.TurnOn(ctx, 7); err != nil {
		t.Fatalf("TurnOn() error: %v", err)
	}

	// The mock has now dropped the connection. The next command fails and
	// triggers reconnection; it must not be retried automatically.
	mock.SetDropAfter(0)
	err := g.TurnOff(ctx, 7)
	if err == nil {
		t.Fatal("TurnOff() expected error after peer close")
	}

	waitFor(t, 2*time.Second, "reconnection", g.IsConnected)

	stats := g.Stats()
	if stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}

	// Exactly one Set 7 100 and no replayed Set 7 0.
	var setOn, setOff int
	for _, frame := range mock.Received() {
		switch frame {
		case "Set 7 100":
			setOn++
		case "Set 7 0":
			setOff++
		}
	}
	if setOn != 1 {
		t.Errorf("Set 7 100 seen %d times, want 1", setOn)
	}
	if setOff != 0 {
		t.Errorf("Set 7 0 seen %d times, want 0 (failed command must not replay)", setOff)
	}

	// The restored session works for new commands.
	if err := g.TurnOff(ctx, 7); err != nil {
		t.Errorf("TurnOff() after reconnect error: %v", err)
	}
}

func TestGatewayTruncatedReplyIsLinkFailure(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetLevel("7", "50")

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	ctx := context.Background()
	mock.SetTruncate(true)

	// ">>Get 50<<" arrives cut to ">>Get 5" before the peer hangs up. A
	// partial frame must never parse as a (different) level.
	if _, err := g.Level(ctx, 7); !errors.Is(err, ErrLinkFailure) {
		t.Fatalf("Level() on truncated reply = %v, want ErrLinkFailure", err)
	}

	// The session is torn down and redialled; the full reply then works.
	mock.SetTruncate(false)
	waitFor(t, 2*time.Second, "reconnection", g.IsConnected)

	level, err := g.Level(ctx, 7)
	if err != nil {
		t.Fatalf("Level() after reconnect error: %v", err)
	}
	if level != 50 {
		t.Errorf("Level() = %d, want 50", level)
	}
}

func TestGatewayRepeatedProtocolErrorsResetSession(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetLevel("7", "bogus")

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	ctx := context.Background()
	for i := 0; i < protocolErrorLimit; i++ {
		if _, err := g.Level(ctx, 7); !errors.Is(err, ErrProtocol) {
			t.Fatalf("Level() #%d = %v, want ErrProtocol", i+1, err)
		}
		// Isolated garbled replies only abandon their own command
		if i < protocolErrorLimit-1 && !g.IsConnected() {
			t.Fatalf("session dropped after %d protocol errors, want %d", i+1, protocolErrorLimit)
		}
	}

	// The run of unparseable replies drops the session to resynchronise
	waitFor(t, 2*time.Second, "session reset", func() bool {
		return !g.IsConnected() || g.Stats().Reconnects > 0
	})

	mock.SetLevel("7", "42")
	waitFor(t, 2*time.Second, "reconnection", g.IsConnected)

	level, err := g.Level(ctx, 7)
	if err != nil {
		t.Fatalf("Level() after reset error: %v", err)
	}
	if level != 42 {
		t.Errorf("Level() = %d, want 42", level)
	}
}

func TestGatewayClose(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()

	g := connectTestGateway(t, mock, nil)

	if err := g.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if g.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}

	// Close is idempotent.
	if err := g.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	if err := g.TurnOn(context.Background(), 7); !errors.Is(err, ErrClosed) {
		t.Errorf("TurnOn() after Close = %v, want ErrClosed", err)
	}
}

func TestGatewayContextCancellation(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := g.TurnOn(ctx, 7); err == nil {
		t.Error("TurnOn() with cancelled context should fail")
	}

	// Cancellation before the write must not cost the session.
	if !g.IsConnected() {
		t.Error("IsConnected() = false after pre-send cancellation")
	}
	if stats := g.Stats(); stats.CommandsSent != 0 {
		t.Errorf("CommandsSent = %d, want 0", stats.CommandsSent)
	}
}

func TestGatewayOnConnectCallback(t *testing.T) {
	mock := NewMockGateway(t)
	defer mock.Close()
	mock.SetDropAfter(1) // drop right after the login reply

	g := connectTestGateway(t, mock, nil)
	defer g.Close()

	count := 0
	var countMu sync.Mutex
	g.SetOnConnect(func() {
		countMu.Lock()
		count++
		countMu.Unlock()
	})

	mock.SetDropAfter(0)

	// First command hits the dead connection and triggers reconnection,
	// which fires the callback on success.
	g.TurnOn(context.Background(), 7)

	waitFor(t, 2*time.Second, "connect callback", func() bool {
		countMu.Lock()
		defer countMu.Unlock()
		return count >= 1
	})
}
