package zense

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Default connection parameters, applied by Connect when the config leaves
// them zero.
const (
	// DefaultGatewayPort is the PC-Boks TCP service port.
	DefaultGatewayPort = 10001

	defaultConnectTimeout    = 10 * time.Second
	defaultReadTimeout       = 12 * time.Second
	defaultCommandGap        = 100 * time.Millisecond
	defaultReconnectInterval = 5 * time.Second
	defaultMaxReconnect      = 2 * time.Minute
	defaultAuthCooldown      = 5 * time.Minute

	// backoffMultiplier increases the reconnect delay after each failure.
	backoffMultiplier = 1.5

	// recvChunkSize is the read buffer size for reply accumulation.
	recvChunkSize = 1024

	// maxReplySize bounds reply accumulation. A peer that streams this much
	// without a frame terminator is not a ZenseHome gateway.
	maxReplySize = 16 * 1024

	// protocolErrorLimit is how many unparseable replies in a row the
	// client tolerates before dropping the session. A single garbled reply
	// abandons one command; a run of them means the frame stream has lost
	// sync and only a fresh session recovers it.
	protocolErrorLimit = 3

	// keepAlivePeriod enables TCP keepalive so half-open links surface as
	// send errors instead of hanging forever.
	keepAlivePeriod = 30 * time.Second
)

// LinkState describes the gateway session lifecycle.
type LinkState int32

// Link states. The session moves Disconnected → Connecting → Authenticated;
// a rejected login parks it in Cooldown before the next attempt.
const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateAuthenticated
	StateCooldown
)

// String returns the state name for logs and health payloads.
func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// GatewayConfig holds configuration for connecting to the PC-Boks.
type GatewayConfig struct {
	// Host is the gateway IP or hostname. Required.
	Host string

	// Port is the gateway TCP port.
	// Default: 10001.
	Port int

	// LoginCode is the installation's access code, sent as ">>Login <code><<".
	LoginCode int

	// ConnectTimeout is the maximum time to wait for the TCP dial.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReadTimeout bounds each command round trip (write plus reply).
	// Default: 12 seconds.
	ReadTimeout time.Duration

	// CommandGap is the minimum interval between command send starts.
	// The powerline bus drops frames when commands arrive back to back.
	// Default: 100ms.
	CommandGap time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Subsequent failures back off up to MaxReconnectInterval.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the reconnect backoff.
	// Default: 2 minutes.
	MaxReconnectInterval time.Duration

	// AuthCooldown is the delay before retrying after a rejected login.
	// A rejected code rarely fixes itself, so this is much longer than the
	// normal reconnect interval.
	// Default: 5 minutes.
	AuthCooldown time.Duration
}

// Logger interface for structured logging.
// Satisfied by the logging infrastructure package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector interface for testability.
// This allows mocking the gateway client in tests.
type Connector interface {
	TurnOn(ctx context.Context, deviceID int) error
	TurnOff(ctx context.Context, deviceID int) error
	FadeTo(ctx context.Context, deviceID, level int) error
	Level(ctx context.Context, deviceID int) (int, error)
	Devices(ctx context.Context) ([]int, error)
	DeviceName(ctx context.Context, deviceID int) (string, error)
	SetOnConnect(callback func())
	IsConnected() bool
	Stats() GatewayStats
	Close() error
}

// Ensure Gateway implements Connector.
var _ Connector = (*Gateway)(nil)

// closeOnce wraps a channel close in sync.Once so concurrent shutdown
// paths cannot panic on a double close.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Gateway maintains the authenticated TCP session to the PC-Boks.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Commands are serialised internally; the gateway handles one exchange
//     at a time and enforces CommandGap between send starts.
//
// Auto-Reconnection:
//   - When the link drops, commands fail fast with ErrNotConnected while a
//     background loop re-dials with exponential backoff (ReconnectInterval
//     up to MaxReconnectInterval; AuthCooldown after a rejected login).
type Gateway struct {
	cfg GatewayConfig

	// Connection state
	conn      net.Conn
	connMu    sync.RWMutex
	connected bool
	state     atomic.Int32 // LinkState

	// Send serialisation and command gap tracking
	sendMu   sync.Mutex
	lastSend time.Time

	// Reconnection control
	reconnecting atomic.Bool

	// Consecutive unparseable replies, reset on success and login
	protocolErrs atomic.Uint32

	// Connect callback (fires after every successful login)
	onConnect  func()
	callbackMu sync.RWMutex

	// Shutdown coordination
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	commandsSent    atomic.Uint64
	repliesReceived atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// GatewayStats contains link statistics.
type GatewayStats struct {
	CommandsSent    uint64
	RepliesReceived uint64
	ErrorsTotal     uint64
	Reconnects      uint64
	Connected       bool
	State           LinkState
	LastActivity    time.Time
}

// Connect creates a gateway client and attempts the first login.
//
// A failed first attempt is not fatal: the client is returned anyway and
// keeps retrying in the background, so the bridge can start while the
// gateway is rebooting. Only an invalid configuration returns an error.
//
// Parameters:
//   - ctx: Context for the initial connection attempt
//   - cfg: Gateway configuration (defaults applied for zero values)
//
// Returns:
//   - *Gateway: Connected or reconnecting client
//   - error: If the configuration is invalid
func Connect(ctx context.Context, cfg GatewayConfig) (*Gateway, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("zense: gateway host is required")
	}

	// Apply defaults
	if cfg.Port == 0 {
		cfg.Port = DefaultGatewayPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.CommandGap == 0 {
		cfg.CommandGap = defaultCommandGap
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnect
	}
	if cfg.AuthCooldown == 0 {
		cfg.AuthCooldown = defaultAuthCooldown
	}

	g := &Gateway{
		cfg:  cfg,
		done: newCloseOnce(),
	}
	g.state.Store(int32(StateDisconnected))
	g.lastActivity.Store(time.Now().Unix())

	if err := g.establish(ctx); err != nil {
		g.errorsTotal.Add(1)
		g.logError("initial gateway connection failed, retrying in background", err)
		g.triggerReconnect(g.retryDelay(err))
	}

	return g, nil
}

// addr returns the dial target.
func (g *Gateway) addr() string {
	return net.JoinHostPort(g.cfg.Host, fmt.Sprintf("%d", g.cfg.Port))
}

// establish dials the gateway, authenticates, and commits the connection.
func (g *Gateway) establish(ctx context.Context) error {
	g.state.Store(int32(StateConnecting))

	dialer := net.Dialer{
		Timeout:   g.cfg.ConnectTimeout,
		KeepAlive: keepAlivePeriod,
	}
	conn, err := dialer.DialContext(ctx, "tcp", g.addr())
	if err != nil {
		g.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: dial %s: %v", ErrConnectFailed, g.addr(), err)
	}

	if err := g.login(ctx, conn); err != nil {
		conn.Close()
		if errors.Is(err, ErrAuthRejected) {
			g.state.Store(int32(StateCooldown))
		} else {
			g.state.Store(int32(StateDisconnected))
		}
		return err
	}

	g.connMu.Lock()
	if g.isClosed() {
		g.connMu.Unlock()
		conn.Close()
		return ErrClosed
	}
	g.conn = conn
	g.connected = true
	g.connMu.Unlock()

	g.state.Store(int32(StateAuthenticated))
	g.protocolErrs.Store(0)
	g.lastActivity.Store(time.Now().Unix())
	g.logInfo("gateway session established", "addr", g.addr())

	g.notifyConnect()
	return nil
}

// login runs the authentication exchange on a fresh connection.
func (g *Gateway) login(ctx context.Context, conn net.Conn) error {
	reply, err := g.roundTrip(ctx, conn, EncodeLogin(g.cfg.LoginCode))
	if err != nil {
		return fmt.Errorf("%w: login exchange: %v", ErrConnectFailed, err)
	}
	if !LoginAccepted(reply) {
		return fmt.Errorf("%w: reply %q", ErrAuthRejected, reply)
	}
	return nil
}

// roundTrip writes one frame and accumulates the reply. The deadline covers
// the whole exchange; the gateway answers every command, so a silent peer
// is a dead link.
func (g *Gateway) roundTrip(ctx context.Context, conn net.Conn, frame string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	deadline := time.Now().Add(g.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := conn.Write([]byte(frame)); err != nil {
		return "", err
	}

	return readReply(conn)
}

// readReply accumulates chunks until a frame terminator arrives. The
// gateway may split a reply across TCP segments, and replies may carry
// trailing traffic after the terminator; callers parse by marker.
func readReply(conn net.Conn) (string, error) {
	var buf []byte
	chunk := make([]byte, recvChunkSize)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) > maxReplySize {
				return "", ErrReplyTooLarge
			}
			if bytes.Contains(buf, []byte(frameEnd)) {
				return string(buf), nil
			}
		}
		if err != nil {
			// A peer close mid-frame truncates the reply. The terminator
			// branch above already returned complete frames, so whatever
			// accumulated here must not be handed to a parser: ">>Get 50"
			// cut to ">>Get 5" would read as a different level.
			return "", err
		}
	}
}

// SendCommand sends one raw frame and returns the gateway's reply.
//
// Commands are serialised and spaced by the configured command gap,
// measured between send starts. A transport error tears the session down
// and starts the reconnect loop; the command itself is not retried.
//
// Returns ErrNotConnected while the link is down and ErrClosed after Close.
func (g *Gateway) SendCommand(ctx context.Context, frame string) (string, error) {
	if g.isClosed() {
		return "", ErrClosed
	}
	if !g.IsConnected() {
		return "", ErrNotConnected
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	if err := g.waitCommandGap(ctx); err != nil {
		return "", err
	}

	g.connMu.RLock()
	conn := g.conn
	connected := g.connected
	g.connMu.RUnlock()

	// The link may have dropped while waiting for the gap.
	if !connected || conn == nil {
		return "", ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		// Cancelled before anything was written; the session is intact.
		return "", err
	}

	g.lastSend = time.Now()
	g.commandsSent.Add(1)

	reply, err := g.roundTrip(ctx, conn, frame)
	if err != nil {
		// The exchange may have died mid-reply, leaving the gateway about
		// to emit bytes that would pollute the next command. Drop the
		// session to resynchronise.
		g.errorsTotal.Add(1)
		g.teardown(err)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrLinkFailure, err)
	}

	g.repliesReceived.Add(1)
	g.lastActivity.Store(time.Now().Unix())
	return reply, nil
}

// waitCommandGap blocks until the command gap since the previous send has
// elapsed. Callers hold sendMu.
func (g *Gateway) waitCommandGap(ctx context.Context) error {
	wait := g.cfg.CommandGap - time.Since(g.lastSend)
	if wait <= 0 {
		return nil
	}

	select {
	case <-g.done.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// teardown closes the current connection and kicks off reconnection.
func (g *Gateway) teardown(cause error) {
	g.connMu.Lock()
	wasConnected := g.connected
	g.connected = false
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.connMu.Unlock()

	g.state.Store(int32(StateDisconnected))

	if wasConnected && !g.isClosed() {
		g.logError("gateway session lost", cause)
		g.triggerReconnect(g.cfg.ReconnectInterval)
	}
}

// triggerReconnect starts the reconnect loop unless one is already running.
func (g *Gateway) triggerReconnect(initialDelay time.Duration) {
	if g.isClosed() {
		return
	}
	if !g.reconnecting.CompareAndSwap(false, true) {
		return
	}

	g.wg.Add(1)
	go g.reconnectLoop(initialDelay)
}

// reconnectLoop re-dials until the session is back or the client closes.
func (g *Gateway) reconnectLoop(backoff time.Duration) {
	defer g.wg.Done()
	defer g.reconnecting.Store(false)

	for {
		select {
		case <-g.done.Done():
			return
		case <-time.After(backoff):
		}

		err := g.establish(context.Background())
		if err == nil {
			g.reconnectsTotal.Add(1)
			g.logInfo("gateway session restored")
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}

		g.errorsTotal.Add(1)
		if errors.Is(err, ErrAuthRejected) {
			backoff = g.cfg.AuthCooldown
			g.logError("gateway login rejected, entering cooldown", err)
		} else {
			backoff = nextBackoff(backoff, g.cfg.MaxReconnectInterval)
			g.logError("gateway reconnect failed", err)
		}
	}
}

// retryDelay picks the delay before the next attempt for a given failure.
func (g *Gateway) retryDelay(err error) time.Duration {
	if errors.Is(err, ErrAuthRejected) {
		return g.cfg.AuthCooldown
	}
	return g.cfg.ReconnectInterval
}

// nextBackoff grows the reconnect delay, capped at maxDelay.
func nextBackoff(current, maxDelay time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffMultiplier)
	if next > maxDelay {
		next = maxDelay
	}
	return next
}

// TurnOn switches a module full on (Set <id> 100).
// A nil error means the gateway acknowledged the command.
func (g *Gateway) TurnOn(ctx context.Context, deviceID int) error {
	if deviceID <= 0 {
		return ErrInvalidDeviceID
	}
	_, err := g.SendCommand(ctx, EncodeSet(deviceID, LevelScale))
	return err
}

// TurnOff switches a module off (Set <id> 0).
func (g *Gateway) TurnOff(ctx context.Context, deviceID int) error {
	if deviceID <= 0 {
		return ErrInvalidDeviceID
	}
	_, err := g.SendCommand(ctx, EncodeSet(deviceID, 0))
	return err
}

// FadeTo dims a module to the given level, clamped to 0..LevelScale.
func (g *Gateway) FadeTo(ctx context.Context, deviceID, level int) error {
	if deviceID <= 0 {
		return ErrInvalidDeviceID
	}
	_, err := g.SendCommand(ctx, EncodeFade(deviceID, level))
	return err
}

// Level reads a module's current level (0..LevelScale).
func (g *Gateway) Level(ctx context.Context, deviceID int) (int, error) {
	if deviceID <= 0 {
		return 0, ErrInvalidDeviceID
	}
	reply, err := g.SendCommand(ctx, EncodeGet(deviceID))
	if err != nil {
		return 0, err
	}
	level, err := ParseLevel(reply)
	if err != nil {
		g.noteProtocolError(err)
		return 0, err
	}
	g.protocolErrs.Store(0)
	return level, nil
}

// noteProtocolError counts unparseable replies and drops the session once
// the run reaches protocolErrorLimit. The reconnect loop then brings the
// frame stream back into sync.
func (g *Gateway) noteProtocolError(cause error) {
	g.errorsTotal.Add(1)
	if g.protocolErrs.Add(1) < protocolErrorLimit {
		return
	}
	g.protocolErrs.Store(0)
	g.logError("repeated protocol errors, resetting gateway session", cause)
	g.teardown(cause)
}

// Devices enumerates the module IDs known to the gateway.
func (g *Gateway) Devices(ctx context.Context) ([]int, error) {
	reply, err := g.SendCommand(ctx, EncodeGetDevices())
	if err != nil {
		return nil, err
	}
	return ParseDeviceList(reply), nil
}

// DeviceName reads a module's display name, falling back to a generated
// "Device_<id>" when the gateway has none stored.
func (g *Gateway) DeviceName(ctx context.Context, deviceID int) (string, error) {
	if deviceID <= 0 {
		return "", ErrInvalidDeviceID
	}
	reply, err := g.SendCommand(ctx, EncodeGetName(deviceID))
	if err != nil {
		return "", err
	}
	return ParseName(reply, deviceID), nil
}

// SetOnConnect registers a callback invoked after every successful login,
// including reconnections. Used to schedule a state refresh once the link
// returns.
func (g *Gateway) SetOnConnect(callback func()) {
	g.callbackMu.Lock()
	g.onConnect = callback
	g.callbackMu.Unlock()
}

// notifyConnect fires the connect callback if one is registered.
func (g *Gateway) notifyConnect() {
	g.callbackMu.RLock()
	callback := g.onConnect
	g.callbackMu.RUnlock()

	if callback != nil {
		callback()
	}
}

// IsConnected returns true when an authenticated session is up.
func (g *Gateway) IsConnected() bool {
	g.connMu.RLock()
	defer g.connMu.RUnlock()
	return g.connected
}

// State returns the current link state.
func (g *Gateway) State() LinkState {
	return LinkState(g.state.Load())
}

// Stats returns a snapshot of link statistics.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		CommandsSent:    g.commandsSent.Load(),
		RepliesReceived: g.repliesReceived.Load(),
		ErrorsTotal:     g.errorsTotal.Load(),
		Reconnects:      g.reconnectsTotal.Load(),
		Connected:       g.IsConnected(),
		State:           g.State(),
		LastActivity:    time.Unix(g.lastActivity.Load(), 0),
	}
}

// Close shuts the client down and waits for the reconnect loop to exit.
// Safe to call multiple times.
func (g *Gateway) Close() error {
	g.done.Close()

	g.connMu.Lock()
	g.connected = false
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.connMu.Unlock()

	g.state.Store(int32(StateDisconnected))
	g.wg.Wait()

	g.logInfo("gateway client closed")
	return nil
}

// isClosed reports whether Close has been called.
func (g *Gateway) isClosed() bool {
	select {
	case <-g.done.Done():
		return true
	default:
		return false
	}
}

// SetLogger sets the logger for the gateway client.
func (g *Gateway) SetLogger(logger Logger) {
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()
}

// logInfo logs an info message if logger is set.
func (g *Gateway) logInfo(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (g *Gateway) logError(msg string, err error) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
