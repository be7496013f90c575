// Package market supplies last traded prices to the stop evaluator.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/cache"
	"execution-core/pkg/db"
)

// Source kinds selectable through configuration.
const (
	SourceBroker   = "broker"
	SourceDatabase = "database"
)

var ErrNoPrice = errors.New("no price available")

// PriceSource returns the last traded price of an instrument.
type PriceSource interface {
	LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// Quoter is the broker side of a BrokerFeed; implemented by gateway.Gateway.
type Quoter interface {
	LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error)
}

// SnapshotReader is the database side of a DBFeed; implemented by db.Ledger.
type SnapshotReader interface {
	LatestPrice(ctx context.Context, exchange, symbol string) (*db.PriceSnapshot, error)
}

// BrokerFeed quotes through the broker and caches answers for maxAge so
// several stops on one symbol cost a single broker call per pass.
type BrokerFeed struct {
	quoter Quoter
	cache  *cache.ShardedPriceCache
	maxAge time.Duration
}

func NewBrokerFeed(q Quoter, maxAge time.Duration) *BrokerFeed {
	return &BrokerFeed{quoter: q, cache: cache.NewShardedPriceCache(), maxAge: maxAge}
}

func (f *BrokerFeed) LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	key := cache.Key(exchange, symbol)
	if p, ok := f.cache.GetFresh(key, f.maxAge); ok {
		return p, nil
	}
	p, err := f.quoter.LastPrice(ctx, exchange, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", key, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, key)
	}
	f.cache.Set(key, p)
	f.cache.Cleanup(10 * f.maxAge)
	return p, nil
}

// Stats exposes cache statistics.
func (f *BrokerFeed) Stats() cache.CacheStats {
	return f.cache.Stats()
}

// DBFeed reads snapshots an external market-data writer keeps in the
// ledger database. Snapshots older than maxAge are refused.
type DBFeed struct {
	store  SnapshotReader
	maxAge time.Duration
	now    func() time.Time
}

func NewDBFeed(store SnapshotReader, maxAge time.Duration) *DBFeed {
	return &DBFeed{store: store, maxAge: maxAge, now: time.Now}
}

func (f *DBFeed) LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	snap, err := f.store.LatestPrice(ctx, exchange, symbol)
	if errors.Is(err, db.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s:%s", ErrNoPrice, exchange, symbol)
	}
	if err != nil {
		return decimal.Zero, err
	}
	if f.maxAge > 0 && f.now().Sub(snap.CapturedAt) > f.maxAge {
		return decimal.Zero, fmt.Errorf("%w: %s:%s snapshot is %s old", ErrNoPrice, exchange, symbol, f.now().Sub(snap.CapturedAt).Round(time.Second))
	}
	return snap.Price, nil
}

// NewPriceSource selects the implementation named by kind.
func NewPriceSource(kind string, q Quoter, store SnapshotReader, maxAge time.Duration) (PriceSource, error) {
	switch kind {
	case SourceBroker, "":
		if q == nil {
			return nil, errors.New("broker price source needs a quoter")
		}
		return NewBrokerFeed(q, maxAge), nil
	case SourceDatabase:
		if store == nil {
			return nil, errors.New("database price source needs a store")
		}
		return NewDBFeed(store, maxAge), nil
	default:
		return nil, fmt.Errorf("unknown price source %q", kind)
	}
}
