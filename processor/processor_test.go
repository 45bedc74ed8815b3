package processor

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/models"
)

func trade(price string, qty float64, side models.Side) models.Trade {
	return models.Trade{Price: models.MustPrice(price), Quantity: qty, Timestamp: 1, Side: side}
}

func TestTradeBufferDueOnSize(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewTradeBuffer(2, time.Minute, nil)

	require.True(t, b.Add(trade("100", 1, models.Buy), now))
	assert.False(t, b.Due(now))
	require.True(t, b.Add(trade("101", 1, models.Sell), now))
	assert.True(t, b.Due(now))

	batch, ok := b.Drain(now)
	require.True(t, ok)
	assert.Len(t, batch.Trades, 2)
	assert.NotEmpty(t, batch.ID)
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Due(now))
}

func TestTradeBufferDueOnInterval(t *testing.T) {
	start := time.Unix(100, 0)
	b := NewTradeBuffer(100, 250*time.Millisecond, nil)

	b.Add(trade("100", 1, models.Buy), start)
	b.Add(trade("100", 1, models.Buy), start.Add(200*time.Millisecond))
	assert.False(t, b.Due(start.Add(200*time.Millisecond)))
	assert.True(t, b.Due(start.Add(250*time.Millisecond)))

	batch, ok := b.Drain(start.Add(300 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, start, batch.Opened)
}

func TestTradeBufferRejectsInvalid(t *testing.T) {
	b := NewTradeBuffer(10, time.Second, nil)
	now := time.Now()

	assert.False(t, b.Add(trade("100", -1, models.Buy), now))
	assert.False(t, b.Add(trade("100", math.NaN(), models.Buy), now))
	assert.False(t, b.Add(models.Trade{Price: models.MustPrice("100"), Quantity: 1}, now))
	assert.Equal(t, uint64(3), b.Rejected())
	assert.Equal(t, 0, b.Len())

	_, ok := b.Drain(now)
	assert.False(t, ok)
}

func diff(first, last uint64) models.DepthUpdate {
	return models.NewDiff(first, last, nil, nil)
}

func TestDepthBridgeJoinsSnapshot(t *testing.T) {
	b := NewDepthBridge(16)
	b.Reset()
	b.Buffer(diff(90, 95))
	b.Buffer(diff(96, 102))
	b.Buffer(diff(103, 104))

	out, err := b.Start(100)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(101), out[0].FirstSequence)
	assert.Equal(t, uint64(102), out[0].LastSequence)
	assert.Equal(t, uint64(103), out[1].FirstSequence)
	assert.True(t, b.Aligned())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestDepthBridgeAlignsLiveDiffs(t *testing.T) {
	b := NewDepthBridge(16)
	b.Reset()

	out, err := b.Start(100)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.False(t, b.Aligned())

	_, keep, err := b.Align(diff(95, 100))
	require.NoError(t, err)
	assert.False(t, keep)

	u, keep, err := b.Align(diff(99, 105))
	require.NoError(t, err)
	require.True(t, keep)
	assert.Equal(t, uint64(101), u.FirstSequence)

	u, keep, err = b.Align(diff(106, 106))
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, uint64(106), u.FirstSequence)
}

func TestDepthBridgeGap(t *testing.T) {
	b := NewDepthBridge(16)
	b.Reset()
	b.Buffer(diff(105, 110))

	_, err := b.Start(100)
	assert.True(t, errors.Is(err, ErrBridgeGap))
	assert.Equal(t, 0, b.Len())
}

func TestDepthBridgeEvictsOldest(t *testing.T) {
	b := NewDepthBridge(2)
	b.Reset()
	b.Buffer(diff(1, 1))
	b.Buffer(diff(2, 2))
	b.Buffer(diff(3, 3))

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(1), b.Dropped())

	out, err := b.Start(1)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(2), out[0].FirstSequence)
}
