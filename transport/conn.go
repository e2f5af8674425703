package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atomscat/softswitch-gateway/internal/metrics"
	"github.com/atomscat/softswitch-gateway/protocol"
)

// State is the lifecycle position of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

const readBufferSize = 16 * 1024

// Connection owns one ESL TCP session: the single read goroutine that
// drives framing, the write mutex that serialises command frames, the
// pending-reply FIFO and the background-job registry, and the ordered
// worker that delivers events to the handler.
type Connection struct {
	opts Options

	conn       net.Conn
	reader     *bufio.Reader
	remoteAddr string

	writeMu     sync.Mutex
	pendingApi  *apiQueue
	pendingJobs *jobRegistry

	state    atomic.Int32
	lastRead atomic.Int64

	events chan *protocol.EslEvent

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce  sync.Once
	noticeOnce sync.Once
	causeMu    sync.Mutex
	closeCause error

	probeMu   sync.Mutex
	probeJobs map[string]time.Time

	loopWaiter sync.WaitGroup

	log *zap.Logger
}

// NewConnection wraps an established TCP socket. The caller still has to
// Start it.
func NewConnection(parentCtx context.Context, conn net.Conn, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(parentCtx)

	remoteAddr := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remoteAddr = addr.String()
	}

	c := &Connection{
		opts:        opts,
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, readBufferSize),
		remoteAddr:  remoteAddr,
		pendingApi:  newApiQueue(),
		pendingJobs: newJobRegistry(),
		events:      make(chan *protocol.EslEvent, opts.EventBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		probeJobs:   make(map[string]time.Time),
		log:         opts.Log.With(zap.String("remoteAddr", remoteAddr)),
	}

	c.state.Store(int32(StateConnecting))
	c.lastRead.Store(time.Now().UnixNano())

	return c
}

// Start spins up the read, dispatch and idle loops. In outbound mode it
// also performs the `connect` handshake and hands the promoted reply to
// OnConnect on the shared pool.
func (c *Connection) Start() {
	metrics.ActiveConnections.Inc()

	c.loopWaiter.Add(3)
	go func() {
		defer c.loopWaiter.Done()
		c.readLoop()
	}()
	go func() {
		defer c.loopWaiter.Done()
		c.dispatchLoop()
	}()
	go func() {
		defer c.loopWaiter.Done()
		c.idleLoop()
	}()

	if c.opts.Mode == ModeOutbound {
		c.opts.Pool.Submit(c.connectHandshake)
	}
}

// Wait blocks until the connection has fully shut down.
func (c *Connection) Wait() {
	c.loopWaiter.Wait()
}

// Done is closed when the connection starts tearing down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// CloseCause returns the error that tore the connection down, once Done is
// closed.
func (c *Connection) CloseCause() error {
	c.causeMu.Lock()
	defer c.causeMu.Unlock()
	return c.closeCause
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Close shuts the connection down without notifying the disconnect
// handler; this is the orderly local path.
func (c *Connection) Close() error {
	c.teardown(protocol.ErrConnectionClosed, false)
	return nil
}

// Exit writes the exit command without awaiting the reply; the server
// answers by dropping the socket, so there is no FIFO left to keep
// aligned.
func (c *Connection) Exit() {
	if !c.isRunning() {
		return
	}

	c.writeMu.Lock()
	_ = protocol.WriteCommand(c.conn, "exit")
	c.writeMu.Unlock()
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Connection) isRunning() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
		return true
	}
}

// connectHandshake runs on the shared pool: OnConnect may be slow and
// concurrent sessions must not serialise behind it.
func (c *Connection) connectHandshake() {
	fut, err := c.submit("connect")
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.CommandTimeout)
	defer cancel()

	msg, err := fut.Await(ctx)
	if err != nil {
		c.log.Error("Outbound connect handshake failed", zap.Error(err))
		c.fireDisconnectNotice()
		c.teardown(err, false)
		return
	}

	c.setState(StateReady)

	if h, ok := c.opts.Handler.(ConnectHandler); ok {
		h.OnConnect(newContext(c), protocol.NewReplyEvent(msg))
	}
}

func (c *Connection) readLoop() {
	log := c.log.Named("readLoop")

	for {
		msg, err := protocol.ReadMessage(c.reader)
		if err != nil {
			if !c.isRunning() {
				return
			}

			if errors.Is(err, io.EOF) {
				log.Debug("Remote closed the connection")
				c.teardown(protocol.ErrConnectionClosed, true)
			} else {
				log.Warn("Failed to read frame", zap.Error(err))
				c.teardown(err, true)
			}
			return
		}

		c.lastRead.Store(time.Now().UnixNano())
		metrics.FramesRead.WithLabelValues(string(msg.ContentType())).Inc()

		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg *protocol.EslMessage) {
	log := c.log.Named("dispatch")

	switch ct := msg.ContentType(); {
	case ct.IsEvent():
		event, err := protocol.NewEslEvent(msg)
		if err != nil {
			log.Warn("Failed to promote frame to event", zap.Error(err))
			return
		}

		if event.Name() == protocol.EventBackgroundJob {
			uuid := event.JobUUID()
			if c.pendingJobs.complete(uuid, event) {
				metrics.BackgroundJobsCompleted.Inc()
				return
			}
			if c.dropProbeJob(uuid) {
				return
			}
		}

		select {
		case c.events <- event:
		case <-c.ctx.Done():
		}

	case ct == protocol.ContentTypeApiResponse, ct == protocol.ContentTypeCommandReply:
		fut := c.pendingApi.pop()
		if fut == nil {
			log.Warn("Reply arrived with no pending call, dropping",
				zap.String("contentType", string(ct)))
			return
		}
		fut.complete(msg, nil)

	case ct == protocol.ContentTypeAuthRequest:
		c.setState(StateAuthenticating)
		c.handleAuthRequest()

	case ct == protocol.ContentTypeDisconnectNotice:
		log.Info("Disconnect notice received", zap.String("reply", msg.ReplyText()))
		c.fireDisconnectNotice()
		c.teardown(protocol.ErrConnectionClosed, false)

	case ct == protocol.ContentTypeRudeRejection:
		log.Error("Connection rejected by server ACL", zap.String("body", msg.BodyString()))

	default:
		log.Warn("Dropping frame",
			zap.String("contentType", msg.RawContentType()),
			zap.Error(protocol.ErrUnsupportedContentType))
	}
}

func (c *Connection) handleAuthRequest() {
	handler, ok := c.opts.Handler.(AuthHandler)
	if !ok {
		if c.opts.Password == "" {
			c.log.Error("Server requested auth but no password or auth handler is configured")
			c.teardown(protocol.ErrAuthFailed, true)
			return
		}

		c.opts.Pool.Submit(func() {
			ctx := newContext(c)
			if err := ctx.Auth(c.opts.Password); err != nil {
				c.log.Error("Authentication failed", zap.Error(err))
				c.teardown(protocol.ErrAuthFailed, true)
				return
			}
			if c.opts.EventFilter != "" {
				if err := ctx.Subscribe(c.opts.EventFilter); err != nil {
					c.log.Error("Event subscription failed", zap.Error(err))
				}
			}
		})
		return
	}

	c.opts.Pool.Submit(func() {
		if err := handler.HandleAuthRequest(newContext(c)); err != nil {
			c.log.Error("Authentication failed", zap.Error(err))
			c.teardown(protocol.ErrAuthFailed, true)
		}
	})
}

func (c *Connection) dispatchLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return

		case event := <-c.events:
			metrics.EventsDispatched.Inc()
			c.invokeEventHandler(event)
		}
	}
}

// invokeEventHandler isolates handler panics from the I/O pipeline.
func (c *Connection) invokeEventHandler(event *protocol.EslEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Event handler panicked",
				zap.String("eventName", event.Name()),
				zap.Any("panic", r))
		}
	}()

	c.opts.Handler.HandleEslEvent(newContext(c), event)
}

func (c *Connection) idleLoop() {
	interval := c.opts.IdleTimeout
	probe := interval > 0
	if !probe {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case now := <-ticker.C:
			c.pendingJobs.sweep(now)
			c.pruneProbeJobs(now)

			if probe && now.Sub(time.Unix(0, c.lastRead.Load())) >= c.opts.IdleTimeout {
				c.sendIdleProbe()
			}
		}
	}
}

// sendIdleProbe writes `bgapi status` to keep the socket and any NAT
// mapping warm. The probe's Job-UUID is remembered so its BACKGROUND_JOB
// event is discarded instead of reaching the listener.
func (c *Connection) sendIdleProbe() {
	fut, err := c.submit("bgapi status")
	if err != nil {
		return
	}

	metrics.IdleProbes.Inc()
	c.log.Debug("Reader idle, probing with bgapi status")

	c.opts.Pool.Submit(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.CommandTimeout)
		defer cancel()

		msg, err := fut.Await(ctx)
		if err != nil {
			return
		}

		if uuid := msg.Header(protocol.HeaderJobUUID); uuid != "" {
			c.rememberProbeJob(uuid)
		}
	})
}

func (c *Connection) rememberProbeJob(uuid string) {
	c.probeMu.Lock()
	c.probeJobs[uuid] = time.Now().Add(c.opts.CommandTimeout)
	c.probeMu.Unlock()
}

func (c *Connection) dropProbeJob(uuid string) bool {
	c.probeMu.Lock()
	_, ok := c.probeJobs[uuid]
	if ok {
		delete(c.probeJobs, uuid)
	}
	c.probeMu.Unlock()
	return ok
}

func (c *Connection) pruneProbeJobs(now time.Time) {
	c.probeMu.Lock()
	for uuid, deadline := range c.probeJobs {
		if now.After(deadline) {
			delete(c.probeJobs, uuid)
		}
	}
	c.probeMu.Unlock()
}

// submit writes a single-line command and enqueues its reply future inside
// the same critical section, which is what keeps the FIFO aligned with
// wire order.
func (c *Connection) submit(command string) (*replyFuture, error) {
	if !c.isRunning() {
		return nil, protocol.ErrConnectionClosed
	}

	c.writeMu.Lock()
	err := protocol.WriteCommand(c.conn, command)
	var fut *replyFuture
	if err == nil {
		fut = newReplyFuture()
		c.pendingApi.push(fut)
		metrics.CommandsSent.Inc()
	}
	c.writeMu.Unlock()

	if err != nil {
		wrapped := fmt.Errorf("writing command: %w", err)
		c.teardown(wrapped, true)
		return nil, wrapped
	}

	return fut, nil
}

func (c *Connection) submitLines(lines []string) (*replyFuture, error) {
	if !c.isRunning() {
		return nil, protocol.ErrConnectionClosed
	}

	c.writeMu.Lock()
	err := protocol.WriteCommandLines(c.conn, lines)
	var fut *replyFuture
	if err == nil {
		fut = newReplyFuture()
		c.pendingApi.push(fut)
		metrics.CommandsSent.Inc()
	}
	c.writeMu.Unlock()

	if err != nil {
		wrapped := fmt.Errorf("writing command lines: %w", err)
		c.teardown(wrapped, true)
		return nil, wrapped
	}

	return fut, nil
}

// submitSendMsgs writes a sendmsg batch and enqueues one future per unit;
// the server replies once per unit and every reply must consume a slot.
func (c *Connection) submitSendMsgs(msgs []*protocol.SendMsg) ([]*replyFuture, error) {
	if !c.isRunning() {
		return nil, protocol.ErrConnectionClosed
	}

	c.writeMu.Lock()
	err := protocol.WriteSendMsgs(c.conn, msgs)
	var futs []*replyFuture
	if err == nil {
		futs = make([]*replyFuture, len(msgs))
		for i := range msgs {
			futs[i] = newReplyFuture()
			c.pendingApi.push(futs[i])
		}
		metrics.CommandsSent.Add(float64(len(msgs)))
	}
	c.writeMu.Unlock()

	if err != nil {
		wrapped := fmt.Errorf("writing sendmsg batch: %w", err)
		c.teardown(wrapped, true)
		return nil, wrapped
	}

	return futs, nil
}

// commandContext applies the per-call default deadline unless the caller
// brought their own.
func (c *Connection) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.CommandTimeout)
}

// SendApiCommand writes a single-line command and awaits its reply. A
// deadline expiry fails with ErrTimeout; the connection stays up and the
// late reply is dropped.
func (c *Connection) SendApiCommand(ctx context.Context, command string) (*protocol.EslMessage, error) {
	fut, err := c.submit(command)
	if err != nil {
		return nil, err
	}

	cctx, cancel := c.commandContext(ctx)
	defer cancel()

	return fut.Await(cctx)
}

// SendApiCommandLines writes a multi-line command and awaits its reply.
func (c *Connection) SendApiCommandLines(ctx context.Context, lines []string) (*protocol.EslMessage, error) {
	fut, err := c.submitLines(lines)
	if err != nil {
		return nil, err
	}

	cctx, cancel := c.commandContext(ctx)
	defer cancel()

	return fut.Await(cctx)
}

// SendSendMsg writes one sendmsg unit and awaits its command reply.
func (c *Connection) SendSendMsg(ctx context.Context, msg *protocol.SendMsg) (*protocol.EslMessage, error) {
	futs, err := c.submitSendMsgs([]*protocol.SendMsg{msg})
	if err != nil {
		return nil, err
	}

	cctx, cancel := c.commandContext(ctx)
	defer cancel()

	return futs[0].Await(cctx)
}

// SendSendMsgs writes a sendmsg batch without awaiting the replies. The
// replies still consume FIFO slots, so later calls stay correlated.
func (c *Connection) SendSendMsgs(msgs []*protocol.SendMsg) error {
	_, err := c.submitSendMsgs(msgs)
	return err
}

// SendAsyncApiCommand submits `bgapi <command>` and returns the Job-UUID
// from the synchronous reply. The BACKGROUND_JOB event is delivered to the
// event listener like any other event.
func (c *Connection) SendAsyncApiCommand(ctx context.Context, command string) (string, error) {
	msg, err := c.SendApiCommand(ctx, "bgapi "+command)
	if err != nil {
		return "", err
	}
	if err := msg.ReplyError(); err != nil {
		return "", err
	}

	uuid := msg.Header(protocol.HeaderJobUUID)
	if uuid == "" {
		return "", fmt.Errorf("bgapi %s: %w", command, protocol.ErrMissingJobUUID)
	}

	return uuid, nil
}

// Job is a pending bgapi invocation awaiting its BACKGROUND_JOB event.
type Job struct {
	UUID   string
	future *jobFuture
}

// Wait blocks until the BACKGROUND_JOB event for this job arrives, the
// registry deadline sweeps it, or ctx expires.
func (j *Job) Wait(ctx context.Context) (*protocol.EslEvent, error) {
	return j.future.await(ctx)
}

// SendBackgroundApiCommand submits `bgapi <command>` and registers the
// returned Job-UUID so the eventual BACKGROUND_JOB event completes the
// job instead of reaching the listener.
func (c *Connection) SendBackgroundApiCommand(ctx context.Context, command string) (*Job, error) {
	msg, err := c.SendApiCommand(ctx, "bgapi "+command)
	if err != nil {
		return nil, err
	}
	if err := msg.ReplyError(); err != nil {
		return nil, err
	}

	uuid := msg.Header(protocol.HeaderJobUUID)
	if uuid == "" {
		return nil, fmt.Errorf("bgapi %s: %w", command, protocol.ErrMissingJobUUID)
	}

	deadline := time.Now().Add(c.opts.CommandTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	fut, err := c.pendingJobs.register(uuid, deadline)
	if err != nil {
		return nil, err
	}

	return &Job{UUID: uuid, future: fut}, nil
}

func (c *Connection) fireDisconnectNotice() {
	c.noticeOnce.Do(func() {
		c.opts.Pool.Submit(func() {
			c.opts.Handler.HandleDisconnectNotice(c.remoteAddr, newContext(c))
		})
	})
}

// teardown fails every pending promise with the cause, closes the socket
// and stops the loops. With notify set the disconnect handler fires too;
// the orderly local Close path skips it.
func (c *Connection) teardown(cause error, notify bool) {
	c.closeOnce.Do(func() {
		c.setState(StateDraining)

		c.causeMu.Lock()
		c.closeCause = cause
		c.causeMu.Unlock()

		if notify {
			c.fireDisconnectNotice()
		}

		c.cancel()
		_ = c.conn.Close()

		c.pendingApi.failAll(cause)
		c.pendingJobs.failAll(cause)

		c.setState(StateClosed)
		metrics.ActiveConnections.Dec()

		c.log.Info("Connection closed", zap.NamedError("cause", cause))
	})
}
