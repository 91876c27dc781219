package completion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRemovesEntry(t *testing.T) {
	r := NewRegistry[string, int]()
	h := NewHandle[int]()
	r.Register("p", h)
	require.True(t, r.Pending("p"))

	assert.True(t, r.Resolve("p", 7))
	assert.False(t, r.Pending("p"))

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// Racing notifications for the same key are harmless.
	assert.False(t, r.Resolve("p", 8))
	assert.False(t, r.Reject("p", errors.New("late")))
	v, _, _ = h.Result()
	assert.Equal(t, 7, v)
}

func TestReject(t *testing.T) {
	r := NewRegistry[string, int]()
	h := NewHandle[int]()
	r.Register("p", h)

	boom := errors.New("boom")
	assert.True(t, r.Reject("p", boom))
	_, err, ok := h.Result()
	require.True(t, ok)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterSupersedesPending(t *testing.T) {
	r := NewRegistry[string, string]()
	first := NewHandle[string]()
	second := NewHandle[string]()

	assert.Nil(t, r.Register("p", first))
	assert.Same(t, first, r.Register("p", second))

	assert.True(t, first.Superseded())
	_, _, ok := second.Result()
	assert.False(t, ok)

	r.Resolve("p", "done")
	v, err, ok := second.Result()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "done", v)

	// The superseded handle keeps its original outcome.
	_, err, _ = first.Result()
	assert.ErrorIs(t, err, ErrSuperseded)
}

func TestRegisterSameHandleTwice(t *testing.T) {
	r := NewRegistry[string, int]()
	h := NewHandle[int]()
	r.Register("p", h)
	assert.Nil(t, r.Register("p", h))
	assert.False(t, h.Superseded())
}

func TestRekey(t *testing.T) {
	r := NewRegistry[string, int]()
	h := NewHandle[int]()
	r.Register("*", h)

	assert.True(t, r.Rekey("*", "Q"))
	assert.False(t, r.Pending("*"))
	assert.True(t, r.Pending("Q"))

	assert.False(t, r.Resolve("*", 1))
	assert.True(t, r.Resolve("Q", 2))
	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	assert.False(t, r.Rekey("*", "Q"))
}

func TestRekeyOntoPendingKey(t *testing.T) {
	r := NewRegistry[string, int]()
	placeholder := NewHandle[int]()
	direct := NewHandle[int]()
	r.Register("Q", direct)
	r.Register("*", placeholder)

	require.True(t, r.Rekey("*", "Q"))
	assert.True(t, direct.Superseded())
	r.Resolve("Q", 5)
	v, err := placeholder.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestRejectAll(t *testing.T) {
	r := NewRegistry[string, int]()
	hs := []*Handle[int]{NewHandle[int](), NewHandle[int](), NewHandle[int]()}
	for i, h := range hs {
		r.Register(string(rune('a'+i)), h)
	}
	stop := errors.New("stopped")
	assert.Equal(t, 3, r.RejectAll(stop))
	for _, h := range hs {
		_, err, ok := h.Result()
		require.True(t, ok)
		assert.ErrorIs(t, err, stop)
	}
	assert.Equal(t, 0, r.Len())
}

func TestWaitHonoursContext(t *testing.T) {
	h := NewHandle[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, _, ok := h.Result()
	assert.False(t, ok)

	select {
	case <-h.Done():
		t.Fatal("handle settled by context")
	default:
	}
}
