package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-serial/internal/connmgr"
)

func TestPublishFansOut(t *testing.T) {
	b := New(0)
	c1, unsub1 := b.Subscribe()
	c2, unsub2 := b.Subscribe()
	defer unsub1()
	defer unsub2()
	require.Equal(t, 2, b.Len())

	b.Publish(connmgr.Event{Kind: connmgr.EventData, PeerID: "p", Data: "x\n"})

	for _, c := range []<-chan connmgr.Event{c1, c2} {
		e := <-c
		assert.Equal(t, connmgr.EventData, e.Kind)
		assert.Equal(t, "x\n", e.Data)
		assert.False(t, e.Time.IsZero())
	}
}

func TestSlowSubscriberIsSkipped(t *testing.T) {
	b := New(2)
	slow, unsubSlow := b.Subscribe()
	defer unsubSlow()
	fast, unsubFast := b.Subscribe()
	defer unsubFast()

	for i := 0; i < 2; i++ {
		b.Publish(connmgr.Event{Kind: connmgr.EventError})
		<-fast
	}
	b.Publish(connmgr.Event{Kind: connmgr.EventError, Message: "third"})

	e := <-fast
	assert.Equal(t, "third", e.Message)
	assert.Len(t, slow, 2)
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New(0)
	c, unsub := b.Subscribe()
	unsub()
	unsub()

	_, ok := <-c
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())

	// Publishing with no subscribers is fine.
	b.Publish(connmgr.Event{Kind: connmgr.EventError})
}

func TestBusAsManagerSink(t *testing.T) {
	b := New(0)
	c, unsub := b.Subscribe()
	defer unsub()

	m := connmgr.New(nil, b)
	defer m.Close()

	m.Write("", []byte("ignored"))
	_, err := m.ConnectAsync(t.Context(), "AA:BB:CC:DD:EE:01")
	require.ErrorIs(t, err, connmgr.ErrAdapterUnavailable)

	e := <-c
	assert.Equal(t, connmgr.EventError, e.Kind)
}
