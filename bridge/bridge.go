package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/yang-jaeyoung/workerbridge/wire"
)

const (
	defaultCallTimeout    = 60 * time.Second
	defaultStartupTimeout = 10 * time.Second
	defaultRestartDelay   = 2 * time.Second
	defaultDialRetries    = 10
	defaultDialInterval   = 500 * time.Millisecond
	defaultConnectWait    = 15 * time.Second

	// how long Stop waits for the worker to exit after a graceful shutdown
	// call before killing it
	stopGrace = 3 * time.Second
)

// lifecycleEvent signals that a worker generation lost its process or its
// transport. The run loop coalesces the two into a single restart.
type lifecycleEvent struct {
	gen uint64
}

// Bridge supervises one worker process and dispatches JSON-RPC calls to it
// over a loopback TCP connection. Construct with New, then Start. A Bridge is
// safe for concurrent use; calls are pipelined and matched to replies by
// correlation ID.
type Bridge struct {
	log  *zap.SugaredLogger
	sup  *supervisor
	disp *dispatcher

	restartDelay time.Duration
	dialRetries  int
	dialInterval time.Duration
	connectWait  time.Duration

	events   chan lifecycleEvent
	quit     chan struct{}
	loopDone chan struct{}
	runOnce  sync.Once
	quitOnce sync.Once

	// writeMu serializes frame writes so frames hit the wire in call order.
	writeMu sync.Mutex

	mu          sync.Mutex
	started     bool
	stopping    bool
	gen         uint64
	proc        *workerProc
	conn        net.Conn
	restarting  bool
	restartDone chan struct{}
}

// Option configures a Bridge.
type Option func(b *Bridge)

// WithLogger sets the logger. Defaults to a development logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

// WithCallTimeout sets the per-call reply deadline. Defaults to 60s.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.disp.timeout = d
	}
}

// WithStartupTimeout bounds the wait for the worker's port announcement. Defaults to 10s.
func WithStartupTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.sup.startupTimeout = d
	}
}

// WithRestartDelay sets the pause before a crashed worker is relaunched. Defaults to 2s.
func WithRestartDelay(d time.Duration) Option {
	return func(b *Bridge) {
		b.restartDelay = d
	}
}

// WithDialRetries sets how many dial attempts are made against a freshly
// announced endpoint. Defaults to 10.
func WithDialRetries(n int) Option {
	return func(b *Bridge) {
		b.dialRetries = n
	}
}

// WithDialInterval sets the pause between dial attempts. Defaults to 500ms.
func WithDialInterval(d time.Duration) Option {
	return func(b *Bridge) {
		b.dialInterval = d
	}
}

// WithConnectWait bounds how long a call waits for an in-progress restart
// before failing with ErrNotConnected. Defaults to 15s.
func WithConnectWait(d time.Duration) Option {
	return func(b *Bridge) {
		b.connectWait = d
	}
}

// WithEnv appends environment variables for the worker process.
func WithEnv(env []string) Option {
	return func(b *Bridge) {
		b.sup.env = env
	}
}

// WithWorkingDir sets the worker's working directory.
func WithWorkingDir(wd string) Option {
	return func(b *Bridge) {
		b.sup.wd = wd
	}
}

// New builds a Bridge that will run the given worker command. The worker must
// honor the startup contract: accept a trailing "--port 0" argument, bind a
// loopback TCP listener, and print BRIDGE_PORT:<port> on stdout once listening.
func New(command string, args []string, opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		log: logger.Named("bridge").Sugar(),
		sup: &supervisor{
			command:        command,
			args:           args,
			startupTimeout: defaultStartupTimeout,
		},
		restartDelay: defaultRestartDelay,
		dialRetries:  defaultDialRetries,
		dialInterval: defaultDialInterval,
		connectWait:  defaultConnectWait,
		events:       make(chan lifecycleEvent),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	b.disp = newDispatcher(nil, defaultCallTimeout)
	for _, opt := range opts {
		opt(b)
	}
	b.sup.log = b.log.Named("supervisor")
	b.disp.log = b.log.Named("dispatch")
	return b, nil
}

// Start launches the worker and opens the transport. A failed Start schedules
// no retry; the caller may call Start again.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrConnectionClosed
	}
	if b.started {
		b.mu.Unlock()
		return errors.New("bridge already started")
	}
	b.started = true
	// the initial launch goes through the restart gate so that concurrent
	// EnsureConnected calls wait on it instead of spawning a second worker
	b.restarting = true
	b.restartDone = make(chan struct{})
	b.mu.Unlock()

	b.runOnce.Do(func() {
		go b.run()
	})

	proc, conn, err := b.launch()
	if err != nil {
		b.mu.Lock()
		b.started = false
		b.mu.Unlock()
		b.finishRestart(nil, nil)
		return err
	}
	b.finishRestart(proc, conn)
	return nil
}

// launch spawns one worker generation and dials its announced endpoint.
func (b *Bridge) launch() (*workerProc, net.Conn, error) {
	proc, err := b.sup.start()
	if err != nil {
		return nil, nil, err
	}
	conn, err := dialEndpoint(b.log, proc.port, b.dialRetries, b.dialInterval)
	if err != nil {
		b.sup.kill(proc)
		return nil, nil, err
	}
	return proc, conn, nil
}

// Connected reports whether a live transport to the worker exists.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// run is the single consumer of lifecycle events. Funneling every disconnect
// signal through here keeps restart coalescing in one place.
func (b *Bridge) run() {
	defer close(b.loopDone)
	for {
		select {
		case ev := <-b.events:
			b.handleDisconnect(ev.gen)
		case <-b.quit:
			return
		}
	}
}

func (b *Bridge) emit(gen uint64) {
	select {
	case b.events <- lifecycleEvent{gen: gen}:
	case <-b.quit:
	}
}

// handleDisconnect tears down a lost generation and schedules exactly one
// restart. Duplicate signals for the same generation (a transport close racing
// a process exit) find the generation already torn down and are ignored.
func (b *Bridge) handleDisconnect(gen uint64) {
	b.mu.Lock()
	if b.stopping || gen != b.gen || (b.conn == nil && b.proc == nil) {
		b.mu.Unlock()
		return
	}
	conn, proc := b.conn, b.proc
	b.conn, b.proc = nil, nil
	scheduled := b.restarting
	if !scheduled {
		b.restarting = true
		b.restartDone = make(chan struct{})
	}
	b.mu.Unlock()

	b.log.Infow("lost worker, scheduling restart", "Generation", gen, "AlreadyScheduled", scheduled)
	if conn != nil {
		conn.Close()
	}
	if proc != nil {
		b.sup.kill(proc)
	}
	b.disp.failAll(ErrConnectionClosed)
	if !scheduled {
		go b.restart(b.restartDelay)
	}
}

// restart launches a fresh worker generation after the given delay. A failed
// attempt leaves the bridge disconnected; the next call triggers a new one.
func (b *Bridge) restart(delay time.Duration) {
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-b.quit:
			b.finishRestart(nil, nil)
			return
		}
	}
	proc, conn, err := b.launch()
	if err != nil {
		b.log.Errorw("restart failed", "Error", err)
		b.finishRestart(nil, nil)
		return
	}
	b.finishRestart(proc, conn)
}

// finishRestart installs the new generation (if any) and releases everyone
// waiting on the restart. The new worker is discarded when a stop raced the
// restart.
func (b *Bridge) finishRestart(proc *workerProc, conn net.Conn) {
	b.mu.Lock()
	done := b.restartDone
	b.restarting = false
	adopt := proc != nil && !b.stopping
	if adopt {
		b.gen++
		gen := b.gen
		b.proc = proc
		b.conn = conn
		go b.readLoop(conn, gen)
		go b.watchExit(proc, gen)
	}
	b.mu.Unlock()

	if !adopt && proc != nil {
		conn.Close()
		b.sup.kill(proc)
	}
	close(done)
}

func (b *Bridge) watchExit(proc *workerProc, gen uint64) {
	<-proc.exited
	b.emit(gen)
}

// readLoop decodes reply frames off the transport until it fails. Segments
// that do not parse are logged and skipped; the stream continues.
func (b *Bridge) readLoop(conn net.Conn, gen uint64) {
	var dec wire.Decoder
	buf := make([]byte, 16*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, line := range dec.Feed(buf[:n]) {
				if len(line) == 0 {
					continue
				}
				f, perr := wire.ParseFrame(line)
				if perr != nil {
					b.log.Warnw("protocol error", "Error", perr, "Line", string(line))
					continue
				}
				if !f.IsReply() {
					b.log.Debugw("dropping non-reply frame", "Method", f.Method, "ID", f.ID)
					continue
				}
				b.disp.handleReply(f)
			}
		}
		if err != nil {
			b.log.Debugw("transport closed", "Generation", gen, "Error", err)
			b.emit(gen)
			return
		}
	}
}

// EnsureConnected waits for the transport to be available, triggering a
// restart if none is in progress. The wait is bounded by the connect-wait
// window; exhausting it fails with ErrNotConnected.
func (b *Bridge) EnsureConnected(ctx context.Context) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrConnectionClosed
	}
	if b.conn != nil {
		b.mu.Unlock()
		return nil
	}
	if !b.started {
		b.mu.Unlock()
		return ErrNotConnected
	}
	if !b.restarting {
		b.restarting = true
		b.restartDone = make(chan struct{})
		go b.restart(0)
	}
	done := b.restartDone
	b.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.connectWait):
		return ErrNotConnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopping {
		return ErrConnectionClosed
	}
	if b.conn == nil {
		return ErrNotConnected
	}
	return nil
}

// Call issues a JSON-RPC call and returns the worker's raw result. Calls are
// pipelined: many may be outstanding at once, and replies resolve each call
// independently of arrival order.
func (b *Bridge) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := b.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	pc := b.disp.register()
	f := &wire.Frame{JSONRPC: wire.Version, ID: pc.id, Method: method, Params: params}
	if err := b.writeFrame(f); err != nil {
		b.disp.remove(pc.id)
		return nil, err
	}

	select {
	case <-pc.done:
		return pc.result, pc.err
	case <-ctx.Done():
		b.disp.remove(pc.id)
		return nil, ctx.Err()
	}
}

// Ping round-trips the worker's built-in ping method.
func (b *Bridge) Ping(ctx context.Context) error {
	_, err := b.Call(ctx, "ping", struct{}{})
	return err
}

func (b *Bridge) writeFrame(f *wire.Frame) error {
	b.mu.Lock()
	conn := b.conn
	gen := b.gen
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	b.writeMu.Lock()
	err := wire.WriteFrame(conn, f)
	b.writeMu.Unlock()
	if err != nil {
		b.emit(gen)
		return fmt.Errorf("sending call: %w", err)
	}
	return nil
}

// Stop disables restarts, asks the worker to shut down (best effort), rejects
// every outstanding call with ErrConnectionClosed, and kills the worker if it
// does not exit on its own. Stop is idempotent.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return nil
	}
	b.stopping = true
	conn, proc := b.conn, b.proc
	b.conn, b.proc = nil, nil
	b.mu.Unlock()

	b.quitOnce.Do(func() {
		close(b.quit)
	})
	// if Start never ran, the run loop was never launched
	b.runOnce.Do(func() {
		close(b.loopDone)
	})

	if conn != nil {
		b.sendShutdown(conn)
	}
	b.disp.failAll(ErrConnectionClosed)

	var errs error
	if conn != nil {
		errs = multierr.Append(errs, conn.Close())
	}
	if proc != nil {
		select {
		case <-proc.exited:
		case <-time.After(stopGrace):
			b.log.Debug("worker did not exit after shutdown call, killing")
			b.sup.kill(proc)
		}
	}
	<-b.loopDone
	return errs
}

// sendShutdown requests graceful worker termination. Errors are ignored;
// the worker gets killed anyway if it lingers.
func (b *Bridge) sendShutdown(conn net.Conn) {
	pc := b.disp.register()
	f := &wire.Frame{JSONRPC: wire.Version, ID: pc.id, Method: "shutdown", Params: struct{}{}}
	b.writeMu.Lock()
	err := wire.WriteFrame(conn, f)
	b.writeMu.Unlock()
	if err != nil {
		b.log.Debugw("shutdown call failed", "Error", err)
		b.disp.remove(pc.id)
		return
	}
	select {
	case <-pc.done:
	case <-time.After(time.Second):
		b.disp.remove(pc.id)
	}
}
