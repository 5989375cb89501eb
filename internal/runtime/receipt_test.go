package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

func TestReceiptStartsDelivering(t *testing.T) {
	r := newDeliveryReceipt(nil)

	assert.Equal(t, StatusDelivering, r.Status())
	assert.Empty(t, r.DeadReason())
	assert.Empty(t, r.AddressChain())
	assert.True(t, r.SettledAt().IsZero())

	select {
	case <-r.Done():
		t.Fatal("done closed before settlement")
	default:
	}
}

func TestReceiptFirstTransitionWins(t *testing.T) {
	t.Run("delivered then dead", func(t *testing.T) {
		r := newDeliveryReceipt(nil)
		require.True(t, r.MarkDelivered())
		assert.False(t, r.MarkDead("too late"))
		assert.False(t, r.MarkDelivered())

		assert.Equal(t, StatusDelivered, r.Status())
		assert.Empty(t, r.DeadReason())
		assert.False(t, r.SettledAt().IsZero())
	})

	t.Run("dead then delivered", func(t *testing.T) {
		r := newDeliveryReceipt(nil)
		require.True(t, r.MarkDead("first"))
		assert.False(t, r.MarkDead("second"))
		assert.False(t, r.MarkDelivered())

		assert.Equal(t, StatusDead, r.Status())
		assert.Equal(t, "first", r.DeadReason())
	})
}

func TestReceiptConcurrentTransitionsSettleOnce(t *testing.T) {
	r := newDeliveryReceipt(nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var won bool
			if i%2 == 0 {
				won = r.MarkDelivered()
			} else {
				won = r.markDead("racing", deadHopEntry("a"))
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.NotEqual(t, StatusDelivering, r.Status())
}

func TestReceiptMarkDeadAppendsHop(t *testing.T) {
	r := newDeliveryReceipt([]string{"c:main-a:fetch"})
	require.True(t, r.markDead("boom", deadHopEntry("render")))
	assert.False(t, r.markDead("again", deadHopEntry("render")))

	assert.Equal(t, []string{"c:main-a:fetch", "c:dead-a:render"}, r.AddressChain())
}

func TestReceiptAddressChainIsCopied(t *testing.T) {
	r := newDeliveryReceipt(nil)
	r.AppendAddress("c:main-a:one")

	chain := r.AddressChain()
	chain[0] = "mutated"

	assert.Equal(t, []string{"c:main-a:one"}, r.AddressChain())
}

func TestReceiptHandstamps(t *testing.T) {
	r := newDeliveryReceipt(nil)

	require.NoError(t, r.SetHandstamp("attempt", 2))
	assert.ErrorIs(t, r.SetHandstamp(HandstampDeadReason, "x"), errspkg.ErrReservedHandstamp)
	assert.ErrorIs(t, r.SetHandstamp(HandstampAddressChain, "x"), errspkg.ErrReservedHandstamp)

	v, ok := r.Handstamp("attempt")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = r.Handstamp(HandstampDeadReason)
	assert.False(t, ok, "dead reason is hidden until the receipt is dead")

	r.AppendAddress("c:main-a:x")
	require.True(t, r.MarkDead("broken"))

	reason, ok := r.Handstamp(HandstampDeadReason)
	require.True(t, ok)
	assert.Equal(t, "broken", reason)

	all := r.Handstamps()
	assert.Equal(t, 2, all["attempt"])
	assert.Equal(t, "broken", all[HandstampDeadReason])
	assert.Equal(t, []string{"c:main-a:x"}, all[HandstampAddressChain])
}

func TestReceiptWait(t *testing.T) {
	t.Run("released by settlement", func(t *testing.T) {
		r := newDeliveryReceipt(nil)
		go func() {
			time.Sleep(10 * time.Millisecond)
			r.MarkDelivered()
		}()

		status, err := r.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, status)
	})

	t.Run("context ends first", func(t *testing.T) {
		r := newDeliveryReceipt(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		status, err := r.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, StatusDelivering, status)
	})
}

func TestReceiptHandle(t *testing.T) {
	p := NewParcel("orders", "payload", nil)
	h := p.Handle()

	assert.True(t, h.Valid())
	assert.Equal(t, p.ID(), h.ParcelID())
	assert.Equal(t, Address("orders"), h.Address())
	assert.Equal(t, StatusDelivering, h.Status())
	assert.False(t, h.Delivered())
	assert.False(t, h.Dead())

	p.Receipt().AppendAddress("c:main-a:orders")
	require.NoError(t, p.Receipt().SetHandstamp("k", "v"))
	p.Receipt().MarkDead("nope")

	assert.True(t, h.Dead())
	assert.Equal(t, "nope", h.DeadReason())
	assert.Equal(t, []string{"c:main-a:orders"}, h.AddressChain())

	snap := h.Snapshot()
	assert.Equal(t, p.ID(), snap.ParcelID)
	assert.Equal(t, StatusDead, snap.Status)
	assert.Equal(t, "nope", snap.DeadReason)
	assert.Equal(t, map[string]any{"k": "v"}, snap.Handstamps)
	require.NotNil(t, snap.SettledAt)
}

func TestZeroReceiptHandle(t *testing.T) {
	var h ReceiptHandle

	assert.False(t, h.Valid())
	assert.Equal(t, DeliveryStatus(""), h.Status())
	assert.Nil(t, h.Done())
	assert.Nil(t, h.AddressChain())
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrParcelRequired)
}
