// Package biliagent provides a Go client for the Bilibili live-room chat
// channel. It authenticates a viewer session, holds a persistent
// binary-framed WebSocket to the room's chat endpoint with keepalive and
// reconnection, and fans decoded domain events out to subscribers.
package biliagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/simpleKalvin/bilibili-agent/auth"
	"github.com/simpleKalvin/bilibili-agent/dispatch"
	"github.com/simpleKalvin/bilibili-agent/event"
	"github.com/simpleKalvin/bilibili-agent/frame"
	"github.com/simpleKalvin/bilibili-agent/wire"
)

const (
	// DefaultHeartbeatInterval is the keepalive cadence expected by the
	// channel servers.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultHandshakeTimeout bounds the wait for the join ack.
	DefaultHandshakeTimeout = 10 * time.Second

	joinProtoVer = 3 // request brotli-packed notification batches
)

var (
	// ErrHandshakeTimeout means no join ack arrived in time; the reconnect
	// policy takes over.
	ErrHandshakeTimeout = errors.New("biliagent: handshake timeout")
	// ErrClosed is returned by operations on a stopped client.
	ErrClosed = errors.New("biliagent: client closed")
	// ErrAlreadyStarted is returned by a second Start call; one client owns
	// at most one connection to its room.
	ErrAlreadyStarted = errors.New("biliagent: client already started")
)

// State of the channel connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateDegraded
	StateClosed
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateHandshaking:  "handshaking",
	StateConnected:    "connected",
	StateDegraded:     "degraded",
	StateClosed:       "closed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Config holds client parameters.
type Config struct {
	RoomID     int64            // display room id to monitor
	Credential *auth.Credential // authenticated viewer session

	// RefreshCredential is called when the platform signals credential
	// staleness. Optional; when nil, staleness is terminal for the send.
	RefreshCredential func(ctx context.Context) (*auth.Credential, error)

	LiveAPIBase string // defaults to DefaultLiveAPIBase
	MainAPIBase string // defaults to DefaultMainAPIBase

	// ChatEndpoint overrides the channel endpoint (e.g. "ws://host:port/sub").
	// When empty the endpoint comes from room resolution.
	ChatEndpoint string

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration

	Logger *slog.Logger
}

// Client owns one persistent channel connection per monitored room.
type Client struct {
	cfg  Config
	log  *slog.Logger
	api  *APIClient
	disp *dispatch.Dispatcher

	state       atomic.Int32
	started     atomic.Bool
	live        atomic.Bool
	popularity  atomic.Uint32
	lastTraffic atomic.Int64 // unix nanos of last server traffic
	seq         atomic.Uint32

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient creates a client for one room. Call Start to begin monitoring.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RoomID <= 0 {
		return nil, errors.New("biliagent: room id required")
	}
	if cfg.Credential == nil {
		return nil, errors.New("biliagent: credential required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:  cfg,
		log:  cfg.Logger.With("room_id", cfg.RoomID),
		api:  NewAPIClient(cfg.LiveAPIBase, cfg.MainAPIBase, cfg.Credential),
		disp: dispatch.New(cfg.Logger),
		done: make(chan struct{}),
	}
	return c, nil
}

// API exposes the REST client sharing this client's credential.
func (c *Client) API() *APIClient { return c.api }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Live reports whether the monitored room is currently streaming, per the
// latest resolution or LIVE/PREPARING notification.
func (c *Client) Live() bool { return c.live.Load() }

// Connected reports whether the channel is up.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// Popularity returns the latest heartbeat-ack popularity counter.
func (c *Client) Popularity() uint32 { return c.popularity.Load() }

// Subscribe registers an event consumer with a bounded queue.
func (c *Client) Subscribe(name string, size int) *dispatch.Subscription {
	return c.disp.Subscribe(name, size)
}

// Start begins monitoring in the background: resolve the room, connect,
// handshake, then keep the connection alive until Stop or ctx cancellation.
// Connection failures are retried with capped exponential backoff. A client
// runs at most one supervisor; a second Start returns ErrAlreadyStarted.
func (c *Client) Start(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// Stop cancels this context too, so resolve/dial attempts in flight
	// unblock without waiting out their timeouts.
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx)
	}()
	return nil
}

// Stop tears the session down: cancels every duty, releases the transport,
// and closes all subscriptions. Idempotent; no duty outlives the return.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
		c.closeConn()
	})
	c.wg.Wait()
	c.disp.Close()
	c.state.Store(int32(StateClosed))
	c.log.Info("client stopped")
}

// SendMessage posts a chat message to the monitored room. On credential
// staleness it refreshes once through Config.RefreshCredential and retries;
// rate limits and repeated auth failures are surfaced, never retried.
func (c *Client) SendMessage(ctx context.Context, text string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	err := c.api.SendMessage(ctx, c.cfg.RoomID, text)
	if !errors.Is(err, ErrCredentialExpired) || c.cfg.RefreshCredential == nil {
		return err
	}

	cred, refreshErr := c.cfg.RefreshCredential(ctx)
	if refreshErr != nil {
		return fmt.Errorf("%w: refresh: %w", ErrCredentialExpired, refreshErr)
	}
	c.api.SetCredential(cred)
	return c.api.SendMessage(ctx, c.cfg.RoomID, text)
}

// run is the supervisor duty: one connect→disconnect cycle per iteration,
// with backoff between failures. The backoff resets after each successful
// handshake, so one good connected period starts the policy over.
func (c *Client) run(ctx context.Context) {
	bo := newReconnectBackoff()

	for {
		err := c.session(ctx, bo.Reset)
		if c.stopping(ctx) {
			return
		}

		c.state.Store(int32(StateDegraded))
		wait := bo.NextBackOff()
		c.log.Warn("connection lost, reconnecting", "error", err, "backoff", wait)

		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// newReconnectBackoff builds the reconnect policy: exponential growth from
// one second to a one-minute ceiling with bounded jitter, never giving up.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = time.Minute
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// session performs one full connection lifecycle. onConnected fires after a
// successful handshake.
func (c *Client) session(ctx context.Context, onConnected func()) error {
	c.state.Store(int32(StateConnecting))

	// Re-resolve on every attempt so a stale endpoint or token from the
	// previous connection cannot stick.
	resolveCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	target, err := c.api.ResolveRoom(resolveCtx, c.cfg.RoomID)
	cancel()
	if err != nil {
		return fmt.Errorf("resolve room: %w", err)
	}
	c.live.Store(target.Live)

	endpoint := c.cfg.ChatEndpoint
	if endpoint == "" {
		h := target.Hosts[0]
		endpoint = fmt.Sprintf("wss://%s:%d/sub", h.Host, h.WssPort)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, _, err := ws.Dial(dialCtx, endpoint)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c.setConn(conn)
	defer c.closeConn()

	if err := c.handshake(conn, target); err != nil {
		return err
	}
	c.state.Store(int32(StateConnected))
	c.lastTraffic.Store(time.Now().UnixNano())
	onConnected()
	c.log.Info("connected to chat channel", "endpoint", endpoint, "real_room_id", target.RealID)

	// Heartbeat duty: keepalive writes plus dead-connection detection.
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(conn, hbStop)
	}()
	defer func() {
		close(hbStop)
		<-hbDone
	}()

	return c.readLoop(conn)
}

// handshake sends the join frame and waits for the ack within the bounded
// timeout.
func (c *Client) handshake(conn net.Conn, target *RoomTarget) error {
	c.state.Store(int32(StateHandshaking))

	payload, err := json.Marshal(wire.JoinPayload{
		UID:      c.cfg.Credential.UID,
		RoomID:   target.RealID,
		ProtoVer: joinProtoVer,
		Platform: "web",
		Type:     2,
		Key:      target.Token,
	})
	if err != nil {
		return err
	}
	if err := wsutil.WriteClientBinary(conn, frame.Encode(frame.OpJoin, c.seq.Add(1), payload)); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	data, err := wsutil.ReadServerBinary(conn)
	if err != nil {
		if isTimeout(err) {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("read join ack: %w", err)
	}

	frames, _ := frame.DecodeAll(data)
	for _, f := range frames {
		if f.Op == frame.OpJoinAck {
			return nil
		}
	}
	return fmt.Errorf("biliagent: unexpected frames before join ack")
}

// heartbeat sends a keepalive on the fixed interval and treats prolonged
// server silence (over twice the interval) as a dead connection, closing the
// transport so the read duty unblocks into the reconnect path.
func (c *Client) heartbeat(conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
		}

		silence := time.Since(time.Unix(0, c.lastTraffic.Load()))
		if silence > 2*c.cfg.HeartbeatInterval {
			c.log.Warn("no server traffic, closing connection", "silence", silence)
			conn.Close()
			return
		}

		if err := wsutil.WriteClientBinary(conn, frame.Encode(frame.OpHeartbeat, c.seq.Add(1), nil)); err != nil {
			c.log.Warn("heartbeat write failed", "error", err)
			conn.Close()
			return
		}
	}
}

// readLoop pulls transport messages, decodes them, and publishes the
// resulting events in arrival order.
func (c *Client) readLoop(conn net.Conn) error {
	for {
		data, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.lastTraffic.Store(time.Now().UnixNano())

		frames, decErr := frame.DecodeAll(data)
		if decErr != nil {
			// Bad sub-frames cost only themselves; siblings proceed.
			c.log.Debug("dropped undecodable sub-frames", "error", decErr)
		}

		now := time.Now()
		for _, f := range frames {
			if f.Op == frame.OpJoinAck {
				continue
			}
			ev := event.FromFrame(f, now)
			switch ev.Kind {
			case event.TypeHeartbeatAck:
				c.popularity.Store(ev.HeartbeatAck.Popularity)
			case event.TypeLiveStatus:
				c.live.Store(ev.LiveStatus.Live)
			}
			c.disp.Publish(ev)
		}
	}
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) stopping(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
