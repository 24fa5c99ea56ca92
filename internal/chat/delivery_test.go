package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johndosdos/ticketchat/internal/clock"
	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/protocol"
)

type deliveryFixture struct {
	loop     *loop
	sender   *fakeSender
	api      *fakeAPI
	store    *MessageStore
	pipeline *DeliveryPipeline
}

func newDeliveryFixture(t *testing.T, ready bool) *deliveryFixture {
	clk := clock.Fake(testEpoch)
	f := &deliveryFixture{
		loop:   startLoop(t),
		sender: &fakeSender{ready: ready},
		api:    &fakeAPI{},
		store:  NewMessageStore(clk, time.Second),
	}
	f.pipeline = newDeliveryPipeline(context.Background(), f.sender, f.api, f.store, customer, "42",
		DefaultOptions(), clk, testLogger, f.loop.post)
	return f
}

// send runs Send on the loop and returns a channel with its outcome.
func (f *deliveryFixture) send(t *testing.T, text string) <-chan error {
	t.Helper()
	result, _ := f.sendCtx(t, context.Background(), text)
	return result
}

// sendCtx is send with a caller context. It also returns the id of the
// fallback request Send started, if any.
func (f *deliveryFixture) sendCtx(t *testing.T, ctx context.Context, text string) (<-chan error, uint64) {
	t.Helper()
	result := make(chan error, 1)
	var gen uint64
	require.NoError(t, f.loop.do(func() {
		gen = f.pipeline.Send(ctx, text, func(err error) { result <- err })
	}))
	return result, gen
}

func (f *deliveryFixture) wait(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
		return nil
	}
}

// onLoop reads pipeline or store state from the loop.
func (f *deliveryFixture) onLoop(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.loop.do(fn))
}

func TestDeliveryPersistentPath(t *testing.T) {
	f := newDeliveryFixture(t, true)

	require.NoError(t, f.wait(t, f.send(t, "  hi there ")))

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, protocol.TypeSendMessage, f.sender.sent[0].Type)

	var msg protocol.SendMessage
	require.NoError(t, f.sender.sent[0].DecodePayload(&msg))
	assert.Equal(t, protocol.SendMessage{
		TicketID:          "42",
		Body:              "hi there",
		SenderRole:        model.RoleCustomer,
		SenderDisplayName: "Cara",
	}, msg)

	f.onLoop(t, func() {
		assert.Equal(t, 0, f.store.Len(), "the echo populates the store, not the send")
		assert.Empty(t, f.pipeline.Draft())
	})
	assert.Equal(t, 0, f.api.postCount())
}

func TestDeliveryFallbackWhenNotReady(t *testing.T) {
	f := newDeliveryFixture(t, false)

	require.NoError(t, f.wait(t, f.send(t, "hello")))
	assert.Equal(t, 1, f.api.postCount())

	f.onLoop(t, func() {
		all := f.store.All()
		require.Len(t, all, 1)
		assert.Equal(t, model.ID("f-1"), all[0].ID)
		assert.Equal(t, "hello", all[0].Body)
		assert.Empty(t, f.pipeline.Draft())
		assert.False(t, f.pipeline.Pending())
	})
}

func TestDeliveryFallbackAfterPersistentError(t *testing.T) {
	f := newDeliveryFixture(t, true)
	f.sender.err = errors.New("write: broken pipe")

	require.NoError(t, f.wait(t, f.send(t, "hello")))
	assert.Equal(t, 1, f.api.postCount())
	f.onLoop(t, func() { assert.Equal(t, 1, f.store.Len()) })
}

func TestDeliveryNoDuplicateOnEcho(t *testing.T) {
	f := newDeliveryFixture(t, false)
	require.NoError(t, f.wait(t, f.send(t, "hello")))

	f.onLoop(t, func() {
		echo := f.store.All()[0]
		assert.False(t, f.store.Append(echo))
		assert.Equal(t, 1, f.store.Len())
	})
}

func TestDeliveryDraftPreserved(t *testing.T) {
	f := newDeliveryFixture(t, true)
	f.sender.err = errors.New("write: broken pipe")
	f.api.postErr = errors.New("503 service unavailable")

	err := f.wait(t, f.send(t, "hello"))

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.EqualError(t, de.Persistent, "write: broken pipe")
	assert.EqualError(t, de.Fallback, "503 service unavailable")

	f.onLoop(t, func() {
		assert.Equal(t, "hello", f.pipeline.Draft())
		assert.Equal(t, 0, f.store.Len())
	})
}

func TestDeliveryDraftPreservedVerbatim(t *testing.T) {
	f := newDeliveryFixture(t, false)
	f.api.postErr = errors.New("timeout")

	err := f.wait(t, f.send(t, "  spaced out \n"))
	assert.ErrorIs(t, err, ErrNotReady)
	f.onLoop(t, func() { assert.Equal(t, "  spaced out \n", f.pipeline.Draft()) })
}

func TestDeliveryEmptyBody(t *testing.T) {
	f := newDeliveryFixture(t, true)

	for _, text := range []string{"", "   ", "\n\t"} {
		assert.ErrorIs(t, f.wait(t, f.send(t, text)), ErrEmptyBody)
	}
	assert.Empty(t, f.sender.sent)
	assert.Equal(t, 0, f.api.postCount())
}

func TestDeliveryOneSendInFlight(t *testing.T) {
	f := newDeliveryFixture(t, false)
	f.api.release = make(chan struct{})

	first := f.send(t, "first")
	assert.ErrorIs(t, f.wait(t, f.send(t, "second")), ErrSendInFlight)
	f.onLoop(t, func() { assert.True(t, f.pipeline.Pending()) })

	close(f.api.release)
	require.NoError(t, f.wait(t, first))
	f.onLoop(t, func() { assert.Equal(t, 1, f.store.Len()) })
}

func TestDeliveryMissingIDIsAFailure(t *testing.T) {
	f := newDeliveryFixture(t, false)
	f.pipeline.poster = posterFunc(func(msg protocol.SendMessage) (model.Message, error) {
		return model.Message{Body: msg.Body}, nil
	})

	err := f.wait(t, f.send(t, "hello"))
	assert.ErrorIs(t, err, errNoMessageID)
	f.onLoop(t, func() {
		assert.Equal(t, 0, f.store.Len())
		assert.Equal(t, "hello", f.pipeline.Draft())
	})
}

func TestDeliveryCloseCancelsFallback(t *testing.T) {
	f := newDeliveryFixture(t, false)
	f.api.release = make(chan struct{})
	defer close(f.api.release)

	result := f.send(t, "hello")
	f.onLoop(t, f.pipeline.Close)
	assert.ErrorIs(t, f.wait(t, result), ErrSessionClosed)

	require.Eventually(t, func() bool { return len(f.api.abortedPosts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.api.abortedPosts()[0], context.Canceled)
	assert.Equal(t, 0, f.api.postCount(), "the request never reached the server")
	f.onLoop(t, func() {
		assert.Equal(t, 0, f.store.Len())
		assert.Equal(t, "hello", f.pipeline.Draft())
	})

	assert.ErrorIs(t, f.wait(t, f.send(t, "again")), ErrSessionClosed)
}

func TestDeliveryCallerCancelFreesPipeline(t *testing.T) {
	f := newDeliveryFixture(t, false)
	f.api.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	result, gen := f.sendCtx(t, ctx, "hello")
	require.NotZero(t, gen)

	cancel()
	f.onLoop(t, func() { f.pipeline.Abandon(gen, ctx.Err()) })
	assert.ErrorIs(t, f.wait(t, result), context.Canceled)
	require.Eventually(t, func() bool { return len(f.api.abortedPosts()) == 1 }, time.Second, 5*time.Millisecond)

	f.onLoop(t, func() {
		assert.False(t, f.pipeline.Pending())
		assert.Equal(t, "hello", f.pipeline.Draft())
	})

	// The next send is not blocked by the abandoned one.
	close(f.api.release)
	require.NoError(t, f.wait(t, f.send(t, "hello again")))
	f.onLoop(t, func() {
		require.Equal(t, 1, f.store.Len())
		assert.Equal(t, "hello again", f.store.All()[0].Body)
	})
}

func TestDeliveryAbandonIgnoresStaleID(t *testing.T) {
	f := newDeliveryFixture(t, false)
	require.NoError(t, f.wait(t, f.send(t, "first")))

	f.api.release = make(chan struct{})
	defer close(f.api.release)
	result, gen := f.sendCtx(t, context.Background(), "second")

	f.onLoop(t, func() {
		f.pipeline.Abandon(gen-1, context.Canceled)
		assert.True(t, f.pipeline.Pending())
	})
	select {
	case err := <-result:
		t.Fatalf("send finished early: %v", err)
	default:
	}
}
