package bridge

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yang-jaeyoung/workerbridge/wire"
)

// pendingCall is an in-flight request awaiting its reply.
type pendingCall struct {
	id     string
	done   chan struct{}
	result json.RawMessage
	err    error
	timer  *time.Timer
}

// dispatcher owns the pending-call table. Correlation IDs are decimal strings
// of a per-dispatcher monotonically increasing counter. All table mutation
// happens under mu; whichever of reply, deadline, or teardown removes an
// entry first wins, and the others become no-ops.
type dispatcher struct {
	log     *zap.SugaredLogger
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingCall
}

func newDispatcher(log *zap.SugaredLogger, timeout time.Duration) *dispatcher {
	return &dispatcher{
		log:     log,
		timeout: timeout,
		pending: make(map[string]*pendingCall),
	}
}

// register allocates the next correlation ID, enters the call into the table,
// and arms its deadline timer.
func (d *dispatcher) register() *pendingCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	pc := &pendingCall{
		id:   strconv.FormatUint(d.nextID, 10),
		done: make(chan struct{}),
	}
	d.pending[pc.id] = pc
	pc.timer = time.AfterFunc(d.timeout, func() {
		d.fail(pc.id, ErrRequestTimeout)
	})
	return pc
}

// handleReply resolves or rejects the matching pending call. Replies with
// unknown correlation IDs (e.g. arriving after the deadline already fired)
// are dropped.
func (d *dispatcher) handleReply(f *wire.Frame) {
	d.mu.Lock()
	pc, ok := d.pending[f.ID]
	if ok {
		delete(d.pending, f.ID)
		pc.timer.Stop()
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debugw("dropping reply with unknown ID", "ID", f.ID)
		return
	}
	if f.Error != nil {
		pc.err = f.Error
	} else {
		pc.result = f.Result
	}
	close(pc.done)
}

// fail rejects a single pending call, if it is still in the table.
func (d *dispatcher) fail(id string, err error) {
	d.mu.Lock()
	pc, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
		pc.timer.Stop()
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	pc.err = err
	close(pc.done)
}

// remove abandons a pending call without completing it. Used when the caller
// gives up (context cancellation) or the frame could not be written.
func (d *dispatcher) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[id]
	if !ok {
		return
	}
	delete(d.pending, id)
	pc.timer.Stop()
}

// failAll rejects every remaining pending call and clears the table.
func (d *dispatcher) failAll(err error) {
	d.mu.Lock()
	calls := make([]*pendingCall, 0, len(d.pending))
	for id, pc := range d.pending {
		delete(d.pending, id)
		pc.timer.Stop()
		calls = append(calls, pc)
	}
	d.mu.Unlock()
	for _, pc := range calls {
		pc.err = err
		close(pc.done)
	}
}

func (d *dispatcher) pendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
