package aggregation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/models"
)

func trade(price string, qty float64, ts uint64, side models.Side) models.Trade {
	return models.Trade{Price: models.MustPrice(price), Quantity: qty, Timestamp: ts, Side: side}
}

func newTimeEngine(t *testing.T, step string, interval time.Duration, opts ...Option) *Engine {
	t.Helper()
	s, err := models.ParsePriceStep(step)
	require.NoError(t, err)
	e, err := NewEngine(s, TimeBasis(interval), opts...)
	require.NoError(t, err)
	return e
}

func TestIngestRoundsUpIntoLevelAndSetsPOC(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)

	keys := e.Ingest([]models.Trade{
		trade("100.4", 1, 1_000, models.Buy),
		trade("100.6", 2, 2_000, models.Sell),
	})
	require.Equal(t, []IntervalKey{0}, keys)

	v, err := e.View(0)
	require.NoError(t, err)
	require.Len(t, v.Levels, 1)

	lvl := v.Levels[0]
	assert.Equal(t, models.MustPrice("101"), lvl.Price)
	assert.Equal(t, 1.0, lvl.BuyQty)
	assert.Equal(t, 2.0, lvl.SellQty)
	assert.Equal(t, uint64(1), lvl.BuyCount)
	assert.Equal(t, uint64(1), lvl.SellCount)
	assert.Equal(t, uint64(1_000), lvl.FirstTime)
	assert.Equal(t, uint64(2_000), lvl.LastTime)

	assert.True(t, v.POC.Valid)
	assert.Equal(t, models.MustPrice("101"), v.POC.Price)
	assert.Equal(t, 3.0, v.POC.Volume)
}

func TestTimeBasisAssignsIntervalStart(t *testing.T) {
	e := newTimeEngine(t, "0.5", time.Minute)

	keys := e.Ingest([]models.Trade{
		trade("10", 1, 59_999, models.Buy),
		trade("10", 1, 60_000, models.Buy),
		trade("10", 1, 125_000, models.Sell),
	})
	assert.Equal(t, []IntervalKey{0, 60_000, 120_000}, keys)
	assert.Equal(t, []IntervalKey{0, 60_000, 120_000}, e.Keys())
}

func TestTickBasisRollsAfterCount(t *testing.T) {
	s, _ := models.ParsePriceStep("1")
	e, err := NewEngine(s, TickBasis(2))
	require.NoError(t, err)

	keys := e.Ingest([]models.Trade{
		trade("1", 1, 1, models.Buy),
		trade("1", 1, 2, models.Buy),
		trade("1", 1, 3, models.Buy),
	})
	assert.Equal(t, []IntervalKey{0, 1}, keys)

	keys = e.Ingest([]models.Trade{trade("1", 1, 4, models.Buy), trade("1", 1, 5, models.Buy)})
	assert.Equal(t, []IntervalKey{1, 2}, keys)

	v, err := e.View(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.TradeCount)
}

func TestAggregationIsAdditive(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	batch := []models.Trade{
		trade("50", 1.5, 10, models.Buy),
		trade("50", 0.5, 20, models.Sell),
		trade("51", 2, 30, models.Buy),
	}
	e.Ingest(batch)
	e.Ingest(batch)

	v, err := e.View(0)
	require.NoError(t, err)
	var sum float64
	for _, l := range v.Levels {
		sum += l.Total()
	}
	assert.InDelta(t, 8.0, sum, 1e-9)
	assert.InDelta(t, 8.0, v.Volume, 1e-9)
	assert.Equal(t, uint64(6), v.TradeCount)
}

func TestPOCTieKeepsPreviousPrice(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)

	e.Ingest([]models.Trade{trade("105", 2, 1, models.Buy)})
	e.Ingest([]models.Trade{trade("100", 2, 2, models.Buy)})

	v, _ := e.View(0)
	assert.Equal(t, models.MustPrice("105"), v.POC.Price)

	e.Ingest([]models.Trade{trade("100", 1, 3, models.Sell)})
	v, _ = e.View(0)
	assert.Equal(t, models.MustPrice("100"), v.POC.Price)
	assert.Equal(t, 3.0, v.POC.Volume)
}

func TestPOCTieWithoutPreviousPicksLowestPrice(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	e.Ingest([]models.Trade{
		trade("105", 2, 1, models.Buy),
		trade("100", 2, 2, models.Sell),
	})
	v, _ := e.View(0)
	assert.Equal(t, models.MustPrice("100"), v.POC.Price)
}

func TestInvalidTradesAreRejected(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	keys := e.Ingest([]models.Trade{
		trade("10", -1, 1, models.Buy),
		trade("10", math.NaN(), 1, models.Buy),
		trade("10", math.Inf(1), 1, models.Sell),
		{Price: 0, Quantity: 1, Timestamp: 1, Side: models.Buy},
	})
	assert.Empty(t, keys)
	assert.Equal(t, uint64(4), e.Rejected())
	assert.Equal(t, 0, e.Len())
}

func TestMergeBackfillNeverOverwritesLiveBuckets(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	e.Ingest([]models.Trade{trade("100", 1, 60_500, models.Buy)})

	history := []models.Trade{
		trade("90", 5, 1_000, models.Sell),
		trade("91", 5, 2_000, models.Sell),
		trade("200", 9, 61_000, models.Buy),
	}
	inserted, err := e.MergeBackfill(history)
	require.NoError(t, err)
	assert.Equal(t, []IntervalKey{0}, inserted)

	live, _ := e.View(60_000)
	require.Len(t, live.Levels, 1)
	assert.Equal(t, models.MustPrice("100"), live.Levels[0].Price)

	before, _ := e.View(0)
	again, err := e.MergeBackfill(history)
	require.NoError(t, err)
	assert.Empty(t, again)
	after, _ := e.View(0)
	assert.Equal(t, before, after)
}

func TestMergeBackfillRequiresTimeBasis(t *testing.T) {
	s, _ := models.ParsePriceStep("1")
	e, err := NewEngine(s, TickBasis(10))
	require.NoError(t, err)
	_, err = e.MergeBackfill([]models.Trade{trade("1", 1, 1, models.Buy)})
	assert.ErrorIs(t, err, ErrBasisMismatch)
}

func TestApplyCandleSetsOHLC(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	e.Ingest([]models.Trade{trade("100", 1, 61_000, models.Buy)})

	key, closed, err := e.ApplyCandle(models.CandleTick{
		OpenTime: 60_000,
		Open:     models.MustPrice("99"),
		High:     models.MustPrice("102"),
		Low:      models.MustPrice("98"),
		Close:    models.MustPrice("101"),
		Volume:   12,
		Closed:   true,
	})
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, IntervalKey(60_000), key)

	v, _ := e.View(key)
	assert.Equal(t, models.MustPrice("102"), v.OHLC.High)
	assert.Equal(t, 12.0, v.CandleVolume)
	assert.True(t, v.Closed)
	require.Len(t, v.Levels, 1)
}

func TestMaxBucketsEvictsOldest(t *testing.T) {
	e := newTimeEngine(t, "1", time.Second, WithMaxBuckets(2))
	e.Ingest([]models.Trade{
		trade("1", 1, 1_000, models.Buy),
		trade("1", 1, 2_000, models.Buy),
		trade("1", 1, 3_000, models.Buy),
	})
	assert.Equal(t, []IntervalKey{2_000, 3_000}, e.Keys())
	_, err := e.View(1_000)
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestMaxLevelValueMetrics(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	e.Ingest([]models.Trade{
		trade("10", 4, 1, models.Buy),
		trade("10", 1, 1, models.Sell),
		trade("11", 2, 1, models.Buy),
		trade("11", 5, 1, models.Sell),
	})

	cases := []struct {
		metric Metric
		want   float64
	}{
		{MetricMaxOfSides, 5},
		{MetricAbsDelta, 3},
		{MetricTotal, 7},
	}
	for _, c := range cases {
		got, err := e.MaxLevelValue(0, c.metric)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "metric %d", c.metric)
	}
}

func TestPointsOfControlNakedAndFilled(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	e.Ingest([]models.Trade{trade("100", 5, 0, models.Buy), trade("95", 1, 0, models.Sell)})
	e.Ingest([]models.Trade{trade("110", 5, 60_000, models.Buy)})
	e.Ingest([]models.Trade{trade("99", 1, 120_000, models.Sell), trade("101", 1, 120_000, models.Buy), trade("120", 3, 120_000, models.Buy)})
	e.Ingest([]models.Trade{trade("130", 1, 180_000, models.Buy)})

	pocs := e.PointsOfControl(10)
	require.Len(t, pocs, 4)

	assert.Equal(t, POCFilled, pocs[0].Status)
	assert.Equal(t, IntervalKey(120_000), pocs[0].FilledAt)
	assert.Equal(t, POCFilled, pocs[1].Status)
	assert.Equal(t, IntervalKey(120_000), pocs[1].FilledAt)
	assert.Equal(t, POCNaked, pocs[2].Status)
	assert.Equal(t, models.MustPrice("120"), pocs[2].Price)
	assert.Equal(t, POCNone, pocs[3].Status)

	// Lookback limits which POCs are tracked.
	pocs = e.PointsOfControl(2)
	require.Len(t, pocs, 2)
	assert.Equal(t, IntervalKey(120_000), pocs[0].Key)
}

func TestImbalancesDiagonal(t *testing.T) {
	e := newTimeEngine(t, "1", time.Minute)
	e.Ingest([]models.Trade{
		trade("100", 1, 1, models.Sell),
		trade("101", 3, 1, models.Buy),
		trade("101", 9, 1, models.Sell),
		trade("102", 2, 1, models.Buy),
	})
	imb, err := e.Imbalances(0, 3)
	require.NoError(t, err)
	require.Len(t, imb, 2)
	assert.Equal(t, Imbalance{Price: models.MustPrice("101"), Side: models.Buy, Ratio: 3}, imb[0])
	assert.Equal(t, models.MustPrice("101"), imb[1].Price)
	assert.Equal(t, models.Sell, imb[1].Side)
	assert.InDelta(t, 4.5, imb[1].Ratio, 1e-9)
}
