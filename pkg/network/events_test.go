package network

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-presence/pkg/presence"
)

func TestEventLoopDispatchesInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	ctrl := newFakeControl(t)
	h := NewHandler(ctrl, WithPending(presence.Pending{Recipient: "X", Message: "hi"}))
	loop := NewEventLoop(4, zaptest.NewLogger(t))

	// Events queued before Start are kept.
	require.True(t, loop.Deliver(Connected{Session: "S1", RemoteAddr: "a"}))
	loop.Start(context.Background(), h)
	require.True(t, loop.Deliver(Connected{Session: "S2", RemoteAddr: "b"}))
	require.True(t, loop.Deliver(Received{Session: "S2", RemotePeer: newTestPeer(t), Data: []byte("junk")}))
	require.True(t, loop.Deliver(Disconnected{Session: "S1"}))
	loop.Stop()

	sent := ctrl.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, presence.SessionID("S1"), sent[0].session)
	assert.Equal(t, presence.SessionID("S1"), sent[1].session, "pending message goes to the first session")
	assert.Equal(t, presence.SessionID("S2"), sent[2].session)
	assert.Len(t, ctrl.directed(), 1)
}

func TestEventLoopStop(t *testing.T) {
	defer leaktest.Check(t)()

	loop := NewEventLoop(0, nil)
	loop.Start(context.Background(), NewHandler(newFakeControl(t)))
	loop.Stop()
	loop.Stop()

	assert.False(t, loop.Deliver(Disconnected{Session: "S1"}))
}

func TestEventLoopStopWithoutStart(t *testing.T) {
	loop := NewEventLoop(1, nil)
	loop.Stop()
	assert.False(t, loop.Deliver(Connected{Session: "S1"}))
}

func TestEventLoopContextCancel(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewEventLoop(1, zaptest.NewLogger(t))
	loop.Start(ctx, NewHandler(newFakeControl(t)))
	cancel()

	// Once the loop notices, delivery is refused instead of blocking.
	assert.Eventually(t, func() bool {
		return !loop.Deliver(Disconnected{Session: "S1"})
	}, 5*time.Second, 10*time.Millisecond)
	loop.Stop()
}
