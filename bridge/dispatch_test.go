package bridge

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yang-jaeyoung/workerbridge/wire"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	return l.Sugar()
}

func TestDispatcherCorrelationIDsMonotonic(t *testing.T) {
	d := newDispatcher(testLogger(t), time.Minute)
	a := d.register()
	b := d.register()
	c := d.register()
	assert.Equal(t, "1", a.id)
	assert.Equal(t, "2", b.id)
	assert.Equal(t, "3", c.id)
	d.failAll(ErrConnectionClosed)
}

func TestDispatcherResolvesOutOfOrder(t *testing.T) {
	d := newDispatcher(testLogger(t), time.Minute)

	calls := make([]*pendingCall, 10)
	for i := range calls {
		calls[i] = d.register()
	}

	// reply in reverse order, each carrying its own ID as the result
	for i := len(calls) - 1; i >= 0; i-- {
		d.handleReply(&wire.Frame{
			JSONRPC: "2.0",
			ID:      calls[i].id,
			Result:  json.RawMessage(fmt.Sprintf("%q", calls[i].id)),
		})
	}

	for _, pc := range calls {
		select {
		case <-pc.done:
		default:
			t.Fatalf("call %s not resolved", pc.id)
		}
		require.NoError(t, pc.err)
		var got string
		require.NoError(t, json.Unmarshal(pc.result, &got))
		assert.Equal(t, pc.id, got, "reply matched to wrong call")
	}
	assert.Zero(t, d.pendingCount())
}

func TestDispatcherDeadline(t *testing.T) {
	d := newDispatcher(testLogger(t), 150*time.Millisecond)
	slow := d.register()
	other := d.register()

	// resolve other right away, well inside the deadline window, so only
	// slow is left to expire
	d.handleReply(&wire.Frame{JSONRPC: "2.0", ID: other.id, Result: json.RawMessage(`"ok"`)})
	<-other.done
	require.NoError(t, other.err)
	assert.Equal(t, json.RawMessage(`"ok"`), other.result)

	select {
	case <-slow.done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadline never fired")
	}
	require.ErrorIs(t, slow.err, ErrRequestTimeout)

	// a late reply for the expired ID is dropped
	d.handleReply(&wire.Frame{JSONRPC: "2.0", ID: slow.id, Result: json.RawMessage(`"late"`)})
	require.ErrorIs(t, slow.err, ErrRequestTimeout)
	assert.Equal(t, json.RawMessage(`"ok"`), other.result)
}

func TestDispatcherErrorReply(t *testing.T) {
	d := newDispatcher(testLogger(t), time.Minute)
	pc := d.register()
	d.handleReply(&wire.Frame{
		JSONRPC: "2.0",
		ID:      pc.id,
		Error:   &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "method not found: nope"},
	})
	<-pc.done

	var rpcErr *wire.RPCError
	require.ErrorAs(t, pc.err, &rpcErr)
	assert.Equal(t, wire.CodeMethodNotFound, rpcErr.Code)
}

func TestDispatcherFailAll(t *testing.T) {
	d := newDispatcher(testLogger(t), time.Minute)
	calls := []*pendingCall{d.register(), d.register(), d.register()}

	d.failAll(ErrConnectionClosed)

	for _, pc := range calls {
		<-pc.done
		require.ErrorIs(t, pc.err, ErrConnectionClosed)
	}
	assert.Zero(t, d.pendingCount())

	// deadline timers were stopped; nothing fires later
	time.Sleep(30 * time.Millisecond)
}

func TestDispatcherRemoveAbandonsCall(t *testing.T) {
	d := newDispatcher(testLogger(t), time.Minute)
	pc := d.register()
	d.remove(pc.id)

	d.handleReply(&wire.Frame{JSONRPC: "2.0", ID: pc.id, Result: json.RawMessage(`1`)})
	select {
	case <-pc.done:
		t.Fatal("abandoned call should never complete")
	default:
	}
	assert.Zero(t, d.pendingCount())
}

func TestDispatcherUnknownReplyDropped(t *testing.T) {
	d := newDispatcher(testLogger(t), time.Minute)
	pc := d.register()
	d.handleReply(&wire.Frame{JSONRPC: "2.0", ID: "999", Result: json.RawMessage(`1`)})
	select {
	case <-pc.done:
		t.Fatal("unrelated call resolved by unknown reply")
	default:
	}
	d.failAll(ErrConnectionClosed)
}
