package progress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/conversion-progress/internal/clock"
	"github.com/JakeFAU/conversion-progress/internal/clock/system"
)

// ErrClosed is returned by Close once the client has already shut down.
var ErrClosed = errors.New("progress client closed")

// ErrPeerClosed marks a read error caused by the server closing the channel
// normally. Conn implementations wrap it so the client can log such closes
// quietly; the reconnect policy is the same for every close.
var ErrPeerClosed = errors.New("progress channel closed by peer")

// Conn is one open push channel. ReadMessage blocks until a frame arrives or
// the channel fails. WriteMessage is only ever called from one goroutine at a
// time; Close may be called concurrently with both.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens push channels.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// Config tunes a Client. Zero durations fall back to the defaults below.
type Config struct {
	Endpoint          string
	KeepaliveInterval time.Duration
	ReconnectDelay    time.Duration
	CompletionTTL     time.Duration
	DialTimeout       time.Duration
	Logger            *zap.Logger
	Emitter           Emitter
	Clock             clock.Clock
}

const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultCompletionTTL     = 10 * time.Second
	DefaultDialTimeout       = 10 * time.Second

	commandBuffer = 64
	inboxBuffer   = 256
)

var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdClear
)

type command struct {
	kind  commandKind
	jobID string
}

type loopEventKind int

const (
	evDialed loopEventKind = iota
	evFrame
	evClosed
	evKeepalive
	evReconnect
	evExpire
)

// loopEvent is posted by helper goroutines and timers. gen ties connection
// events to the connection that produced them; seq identifies a timer.
type loopEvent struct {
	kind  loopEventKind
	gen   uint64
	seq   uint64
	conn  Conn
	data  []byte
	err   error
	jobID string
}

// Client keeps a push channel to the conversion backend open and maintains
// the table of latest snapshots per job. All state changes happen on one
// goroutine; readers see copies published after every change.
type Client struct {
	cfg     Config
	dialer  Dialer
	logger  *zap.Logger
	emitter Emitter
	clock   clock.Clock

	cmds  chan command
	inbox chan loopEvent
	quit  chan struct{}
	done  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	state atomic.Int32
	table atomic.Pointer[Table]

	subMu   sync.Mutex
	subs    map[int]chan View
	nextSub int

	// Owned by the loop goroutine.
	gen         uint64
	conn        Conn
	pings       chan struct{}
	cancelDial  context.CancelFunc
	keepalive   clock.Timer
	reconnect   clock.Timer
	reconnectID uint64
	expiries    map[uint64]clock.Timer
	timerSeq    uint64
	entries     Table
}

// NewClient validates cfg and starts the client's event loop. The client
// stays Disconnected until Start is called.
func NewClient(cfg Config, dialer Dialer) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("progress client: endpoint is required")
	}
	if dialer == nil {
		return nil, errors.New("progress client: dialer is required")
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.CompletionTTL <= 0 {
		cfg.CompletionTTL = DefaultCompletionTTL
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = nopEmitter{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = system.New()
	}
	c := &Client{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.Named("progress_client").With(zap.String("endpoint", cfg.Endpoint)),
		emitter:  emitter,
		clock:    clk,
		cmds:     make(chan command, commandBuffer),
		inbox:    make(chan loopEvent, inboxBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		subs:     make(map[int]chan View),
		expiries: make(map[uint64]clock.Timer),
		entries:  make(Table),
	}
	empty := make(Table)
	c.table.Store(&empty)
	go c.run()
	return c, nil
}

// Start begins connecting. It is a no-op while connecting or connected.
func (c *Client) Start() { c.send(command{kind: cmdStart}) }

// Stop closes the channel, cancels every pending timer and discards the
// table. It is idempotent.
func (c *Client) Stop() { c.send(command{kind: cmdStop}) }

// Clear removes jobID from the table if present.
func (c *Client) Clear(jobID string) { c.send(command{kind: cmdClear, jobID: jobID}) }

// State returns the current connection state.
func (c *Client) State() ConnectionState { return ConnectionState(c.state.Load()) }

// Snapshot returns a copy of the current table.
func (c *Client) Snapshot() Table { return c.table.Load().Clone() }

// Get returns the latest snapshot for jobID.
func (c *Client) Get(jobID string) (Snapshot, bool) {
	snap, ok := c.table.Load().Get(jobID)
	if !ok {
		return Snapshot{}, false
	}
	return snap.Clone(), true
}

// Endpoint reports the channel endpoint the client dials.
func (c *Client) Endpoint() string { return c.cfg.Endpoint }

// Subscribe returns a channel that receives the current View immediately and
// again after every change. Slow subscribers only ever miss intermediate
// views; the newest one is always delivered. Tables in delivered views are
// shared and must not be modified. The returned func unsubscribes.
func (c *Client) Subscribe(buffer int) (<-chan View, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan View, buffer)
	c.subMu.Lock()
	if c.closed.Load() {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- View{State: c.State(), Table: *c.table.Load()}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Close stops the client permanently and waits for its loop to exit.
func (c *Client) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	first := false
	c.closeOnce.Do(func() {
		first = true
		close(c.quit)
	})
	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("progress client close wait: %w", ctx.Err())
	}
	if !first {
		return ErrClosed
	}
	return nil
}

func (c *Client) send(cmd command) {
	select {
	case <-c.done:
	case c.cmds <- cmd:
	}
}

// post delivers an event to the loop; it reports false once the loop is gone.
func (c *Client) post(evt loopEvent) bool {
	select {
	case <-c.done:
		return false
	case c.inbox <- evt:
		return true
	}
}

func (c *Client) run() {
	defer func() {
		c.closed.Store(true)
		c.subMu.Lock()
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
		c.subMu.Unlock()
		close(c.done)
	}()
	for {
		select {
		case <-c.quit:
			c.stop()
			return
		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdStart:
				c.start(false)
			case cmdStop:
				c.stop()
			case cmdClear:
				c.clear(cmd.jobID)
			}
		case evt := <-c.inbox:
			c.handle(evt)
		}
	}
}

func (c *Client) handle(evt loopEvent) {
	switch evt.kind {
	case evDialed:
		c.onDialed(evt)
	case evFrame:
		if evt.gen == c.gen && c.conn != nil {
			c.onFrame(evt.data)
		}
	case evClosed:
		if evt.gen == c.gen && c.conn != nil {
			level := zap.InfoLevel
			if errors.Is(evt.err, ErrPeerClosed) {
				level = zap.DebugLevel
			}
			c.logger.Log(level, "progress channel closed", zap.Uint64("generation", evt.gen), zap.Error(evt.err))
			c.dropConn()
			c.setState(Disconnected, false)
			c.scheduleReconnect()
		}
	case evKeepalive:
		c.onKeepalive(evt.gen)
	case evReconnect:
		if c.reconnect != nil && evt.seq == c.reconnectID {
			c.reconnect = nil
			c.start(true)
		}
	case evExpire:
		c.onExpire(evt.seq, evt.jobID)
	}
}

func (c *Client) start(reconnect bool) {
	if c.State() != Disconnected {
		return
	}
	c.stopReconnect()
	c.dropConn()
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	c.cancelDial = cancel
	c.setState(Connecting, reconnect)
	go func() {
		defer cancel()
		conn, err := c.dialer.Dial(ctx, c.cfg.Endpoint)
		if !c.post(loopEvent{kind: evDialed, gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Client) onDialed(evt loopEvent) {
	if evt.gen != c.gen || c.State() != Connecting {
		if evt.conn != nil {
			_ = evt.conn.Close()
		}
		return
	}
	c.cancelDial = nil
	if evt.err != nil {
		c.logger.Warn("progress channel dial failed", zap.Uint64("generation", evt.gen), zap.Error(evt.err))
		c.setState(Disconnected, false)
		c.scheduleReconnect()
		return
	}
	c.conn = evt.conn
	c.pings = make(chan struct{}, 1)
	c.setState(Connected, false)
	go c.writeLoop(evt.conn, c.pings)
	go c.readLoop(evt.gen, evt.conn)
	c.armKeepalive()
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.post(loopEvent{kind: evClosed, gen: gen, err: err})
			return
		}
		if !c.post(loopEvent{kind: evFrame, gen: gen, data: data}) {
			return
		}
	}
}

// writeLoop owns all writes to conn. A failed write closes the connection so
// the reader observes the failure and reports the close.
func (c *Client) writeLoop(conn Conn, pings <-chan struct{}) {
	for range pings {
		if err := conn.WriteMessage(pingFrame); err != nil {
			c.logger.Debug("keepalive write failed", zap.Error(err))
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) armKeepalive() {
	gen := c.gen
	c.keepalive = c.clock.AfterFunc(c.cfg.KeepaliveInterval, func() {
		c.post(loopEvent{kind: evKeepalive, gen: gen})
	})
}

func (c *Client) onKeepalive(gen uint64) {
	if gen != c.gen || c.conn == nil {
		return
	}
	select {
	case c.pings <- struct{}{}:
	default:
	}
	c.armKeepalive()
}

func (c *Client) scheduleReconnect() {
	c.stopReconnect()
	c.timerSeq++
	seq := c.timerSeq
	c.reconnectID = seq
	c.reconnect = c.clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.post(loopEvent{kind: evReconnect, seq: seq})
	})
}

func (c *Client) stopReconnect() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// dropConn releases the current connection, its writer and its keepalive.
func (c *Client) dropConn() {
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	if c.keepalive != nil {
		c.keepalive.Stop()
		c.keepalive = nil
	}
	if c.pings != nil {
		close(c.pings)
		c.pings = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("progress channel close", zap.Error(err))
		}
		c.conn = nil
	}
}

func (c *Client) stop() {
	c.gen++
	c.stopReconnect()
	c.dropConn()
	for seq, timer := range c.expiries {
		timer.Stop()
		delete(c.expiries, seq)
	}
	if len(c.entries) > 0 {
		discarded := c.entries
		c.entries = make(Table)
		c.publishTable()
		for jobID := range discarded {
			c.emit(Event{Type: EventCleared, JobID: jobID, Note: "stopped"})
		}
	}
	c.setState(Disconnected, false)
}

func (c *Client) clear(jobID string) {
	if _, ok := c.entries[jobID]; !ok {
		return
	}
	delete(c.entries, jobID)
	c.publishTable()
	c.emit(Event{Type: EventCleared, JobID: jobID})
}

func (c *Client) onFrame(data []byte) {
	if bytes.Equal(bytes.TrimSpace(data), pongFrame) {
		return
	}
	snap, err := ParseFrame(data)
	if err != nil {
		c.logger.Debug("discarding progress frame", zap.Error(err), zap.Int("bytes", len(data)))
		c.emit(Event{Type: EventDiscarded, Note: err.Error()})
		return
	}
	jobID := snap.JobID()
	if snap.Kind == KindCompletion {
		prev, found := c.entries[jobID]
		merged := Complete(prev, found, snap)
		c.entries[jobID] = merged
		c.armExpiry(jobID)
		c.publishTable()
		c.emit(Event{Type: EventCompleted, JobID: jobID, Snapshot: merged.Clone()})
		return
	}
	c.entries[jobID] = snap
	c.publishTable()
	c.emit(Event{Type: EventSnapshot, JobID: jobID, Snapshot: snap.Clone()})
}

// armExpiry removes jobID once the completion TTL elapses, whatever the
// entry holds by then.
func (c *Client) armExpiry(jobID string) {
	c.timerSeq++
	seq := c.timerSeq
	c.expiries[seq] = c.clock.AfterFunc(c.cfg.CompletionTTL, func() {
		c.post(loopEvent{kind: evExpire, seq: seq, jobID: jobID})
	})
}

func (c *Client) onExpire(seq uint64, jobID string) {
	if _, ok := c.expiries[seq]; !ok {
		return
	}
	delete(c.expiries, seq)
	if _, ok := c.entries[jobID]; !ok {
		return
	}
	delete(c.entries, jobID)
	c.publishTable()
	c.emit(Event{Type: EventExpired, JobID: jobID})
}

func (c *Client) setState(state ConnectionState, reconnect bool) {
	if c.State() == state {
		return
	}
	c.state.Store(int32(state))
	c.logger.Debug("progress channel state", zap.Stringer("state", state), zap.Bool("reconnect", reconnect))
	c.notify()
	c.emit(Event{Type: EventState, State: state, Reconnect: reconnect})
}

func (c *Client) publishTable() {
	next := c.entries.Clone()
	c.table.Store(&next)
	c.notify()
}

func (c *Client) notify() {
	view := View{State: c.State(), Table: *c.table.Load()}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- view:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}

func (c *Client) emit(evt Event) {
	evt.TS = c.clock.Now()
	evt.Jobs = len(c.entries)
	c.emitter.Emit(evt)
}
