package guard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/pkg/broker/common"
)

func TestEntryReservation(t *testing.T) {
	g := New(nil)

	t.Run("first entry passes", func(t *testing.T) {
		require.True(t, g.TryReserve("A", "NIFTY", "c1", true))
		assert.True(t, g.HasStrategy("A"))
	})

	t.Run("second entry on same strategy is blocked", func(t *testing.T) {
		assert.False(t, g.TryReserve("A", "BANKNIFTY", "c2", true))
	})

	t.Run("adjustment is allowed", func(t *testing.T) {
		assert.True(t, g.TryReserve("A", "NIFTY", "c3", false))
	})

	t.Run("other strategies are independent", func(t *testing.T) {
		assert.True(t, g.TryReserve("B", "NIFTY", "c4", true))
	})

	t.Run("release frees the slot", func(t *testing.T) {
		g.Release("A", "c1")
		g.Release("A", "c3")
		assert.False(t, g.HasStrategy("A"))
		assert.True(t, g.TryReserve("A", "NIFTY", "c5", true))
	})
}

func TestConcurrentEntriesOneWinner(t *testing.T) {
	g := New(nil)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.TryReserve("A", "NIFTY", fmt.Sprintf("c%d", i), true) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestForceClearSymbol(t *testing.T) {
	g := New(nil)
	g.ReconcileWithBroker("A", Positions{"BANKNIFTY": {common.SideSell: 25}})
	require.True(t, g.TryReserve("A", "NIFTY", "c1", false))

	g.ForceClearSymbol("A", "NIFTY")
	assert.True(t, g.HasStrategy("A"), "BANKNIFTY position still open")
	assert.Empty(t, g.View("A").Pending)

	g.ForceClearSymbol("A", "BANKNIFTY")
	assert.False(t, g.HasStrategy("A"))
}

func TestReconcileOverwritesPositions(t *testing.T) {
	g := New(nil)
	g.ReconcileWithBroker("A", Positions{"NIFTY": {common.SideBuy: 50}})
	assert.Equal(t, int64(50), g.View("A").Positions["NIFTY"][common.SideBuy])

	g.ReconcileWithBroker("A", Positions{"NIFTY": {common.SideBuy: 25}})
	assert.Equal(t, int64(25), g.View("A").Positions["NIFTY"][common.SideBuy])

	g.ReconcileWithBroker("A", Positions{})
	assert.False(t, g.HasStrategy("A"))
}

func TestConvergenceAfterFlat(t *testing.T) {
	g := New(nil)
	require.True(t, g.TryReserve("A", "NIFTY", "entry", true))
	g.Release("A", "entry")
	g.ReconcileWithBroker("A", Positions{"NIFTY": {common.SideBuy: 50}})
	g.AddPending("A", "NIFTY", "exit")

	broker := []common.Position{{Symbol: "NIFTY", Side: common.SideBuy, Quantity: 0}}
	g.Release("A", "exit")
	pos := FromBroker(broker, g.Symbols("A"))
	g.ReconcileWithBroker("A", pos)
	require.True(t, pos.Flat())
	g.ForceCloseStrategy("A")

	assert.False(t, g.HasStrategy("A"))
	assert.NotContains(t, g.Strategies(), "A")
}

func TestFromBrokerFiltersSymbols(t *testing.T) {
	rows := []common.Position{
		{Symbol: "NIFTY", Side: common.SideBuy, Quantity: 50},
		{Symbol: "BANKNIFTY", Side: common.SideSell, Quantity: 15},
		{Symbol: "FINNIFTY", Side: common.SideBuy, Quantity: 0},
	}
	pos := FromBroker(rows, map[string]bool{"NIFTY": true, "FINNIFTY": true})
	assert.Len(t, pos, 1)
	assert.Equal(t, int64(50), pos["NIFTY"][common.SideBuy])

	all := FromBroker(rows, nil)
	assert.Len(t, all, 2)
}

func TestSnapshot(t *testing.T) {
	g := New(nil)
	g.ReconcileWithBroker("A", Positions{"NIFTY": {common.SideBuy: 50}})
	g.ReconcileWithBroker("B", Positions{"BANKNIFTY": {common.SideSell: 15}})
	g.AddPending("C", "FINNIFTY", "c1")

	snap := g.Snapshot()
	assert.Len(t, snap, 2)
	snap["A"]["NIFTY"][common.SideBuy] = 0
	assert.Equal(t, int64(50), g.View("A").Positions["NIFTY"][common.SideBuy], "snapshot is a copy")
}
