package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictmkt/tradefeed/internal/model"
)

func tradeAt(i int) model.Trade {
	return model.Trade{
		Exchange:  model.Kalshi,
		MarketID:  "M",
		Price:     decimal.NewFromInt(int64(i)),
		Qty:       decimal.NewFromInt(1),
		Timestamp: time.Now(),
	}
}

func TestTradeBus_DeliversInOrder(t *testing.T) {
	bus := New(8)
	ch, sub := bus.Subscribe("test")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(tradeAt(i))
	}

	for i := 0; i < 5; i++ {
		got := <-ch
		assert.True(t, got.Price.Equal(decimal.NewFromInt(int64(i))))
	}
}

func TestTradeBus_DropsOldestOnOverflow(t *testing.T) {
	bus := New(2)
	ch, sub := bus.Subscribe("slow")
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(tradeAt(i))
	}

	assert.Equal(t, int64(3), bus.Dropped(sub))

	first := <-ch
	second := <-ch
	assert.True(t, first.Price.Equal(decimal.NewFromInt(3)))
	assert.True(t, second.Price.Equal(decimal.NewFromInt(4)))
}

func TestTradeBus_MultipleSubscribersIndependent(t *testing.T) {
	bus := New(8)
	chA, subA := bus.Subscribe("a")
	defer subA.Close()
	chB, subB := bus.Subscribe("b")
	defer subB.Close()

	bus.Publish(tradeAt(1))

	gotA := <-chA
	gotB := <-chB
	assert.Equal(t, gotA.Price, gotB.Price)
}

func TestTradeBus_CloseStopsDelivery(t *testing.T) {
	bus := New(4)
	_, sub := bus.Subscribe("gone")
	sub.Close()

	require.Equal(t, 0, bus.SubscriberCount())
	// Publishing after close must not panic.
	bus.Publish(tradeAt(1))
}
