package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/broker/common"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func nd(v string) decimal.NullDecimal { return decimal.NewNullDecimal(d(v)) }

func TestStopLossOnLong(t *testing.T) {
	tr := NewStopTracker()
	tr.Track(StopPosition{
		CommandID: "e1", StrategyID: "A", Symbol: "NIFTY", Side: common.SideBuy,
		Quantity: 50, EntryPrice: d("100"), StopLoss: nd("95"),
	})

	assert.Nil(t, tr.Update("e1", d("97")))
	trig := tr.Update("e1", d("94"))
	require.NotNil(t, trig)
	assert.Contains(t, trig.Reason, "stop-loss")
	assert.True(t, trig.Price.Equal(d("94")))

	_, ok := tr.Get("e1")
	assert.False(t, ok, "fires once")
	assert.Nil(t, tr.Update("e1", d("90")))
}

func TestTargetOnShort(t *testing.T) {
	tr := NewStopTracker()
	tr.Track(StopPosition{
		CommandID: "e1", Symbol: "NIFTY", Side: common.SideSell,
		EntryPrice: d("100"), StopLoss: nd("104"), Target: nd("90"),
	})

	assert.Nil(t, tr.Update("e1", d("95")))
	trig := tr.Update("e1", d("89.5"))
	require.NotNil(t, trig)
	assert.Contains(t, trig.Reason, "target")
}

func TestTrailingStop(t *testing.T) {
	t.Run("absolute distance on long", func(t *testing.T) {
		tr := NewStopTracker()
		tr.Track(StopPosition{CommandID: "e1", Side: common.SideBuy, EntryPrice: d("100"), TrailDistance: nd("5")})

		assert.Nil(t, tr.Update("e1", d("110")))
		p, _ := tr.Get("e1")
		level, ok := p.TrailingLevel()
		require.True(t, ok)
		assert.True(t, level.Equal(d("105")))

		assert.Nil(t, tr.Update("e1", d("106")))
		trig := tr.Update("e1", d("105"))
		require.NotNil(t, trig)
		assert.Contains(t, trig.Reason, "trailing")
	})

	t.Run("percent distance on short", func(t *testing.T) {
		tr := NewStopTracker()
		tr.Track(StopPosition{CommandID: "e1", Side: common.SideSell, EntryPrice: d("200"), TrailDistance: nd("2"), TrailPercent: true})

		assert.Nil(t, tr.Update("e1", d("150")))
		p, _ := tr.Get("e1")
		level, _ := p.TrailingLevel()
		assert.True(t, level.Equal(d("153")))
		assert.NotNil(t, tr.Update("e1", d("153.5")))
	})

	t.Run("unknown entry price seeds from first tick", func(t *testing.T) {
		tr := NewStopTracker()
		tr.Track(StopPosition{CommandID: "e1", Side: common.SideBuy, TrailDistance: nd("3")})
		assert.Nil(t, tr.Update("e1", d("50")))
		p, _ := tr.Get("e1")
		assert.True(t, p.Best.Equal(d("50")))
	})
}

func TestRemoveSymbol(t *testing.T) {
	tr := NewStopTracker()
	tr.Track(StopPosition{CommandID: "e1", StrategyID: "A", Symbol: "NIFTY", StopLoss: nd("1")})
	tr.Track(StopPosition{CommandID: "e2", StrategyID: "A", Symbol: "BANKNIFTY", StopLoss: nd("1")})
	tr.Track(StopPosition{CommandID: "e3", StrategyID: "B", Symbol: "NIFTY", StopLoss: nd("1")})

	tr.RemoveSymbol("A", "NIFTY")
	ids := []string{}
	for _, p := range tr.Positions() {
		ids = append(ids, p.CommandID)
	}
	assert.Equal(t, []string{"e2", "e3"}, ids)
}
