package market

import (
	"context"
	"errors"
)

// Failure classes a source may return. The orchestrator uses these to
// decide retry/skip; they are never surfaced to provider callers.
var (
	// ErrConnectionLost means the upstream is unreachable or the
	// transport-level session died.
	ErrConnectionLost = errors.New("market: connection lost")

	// ErrTimeout means the upstream did not answer in time.
	ErrTimeout = errors.New("market: request timed out")

	// ErrRejected means the upstream refused the request (bad symbol,
	// rate limit, auth). Retrying the same source will not help.
	ErrRejected = errors.New("market: rejected by upstream")

	// ErrNotConnected means the source has not been connected yet.
	ErrNotConnected = errors.New("market: source not connected")
)

// UpdateHandler receives pushed snapshot updates from a source.
type UpdateHandler func(Snapshot)

// Source is one upstream origin of market data. Implementations must not
// panic across this boundary; every failure comes back as an error
// classifiable against the sentinels above via errors.Is.
type Source interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error

	GetSnapshot(ctx context.Context, symbol string) (Snapshot, error)
	GetKlines(ctx context.Context, q KlineQuery) (KlineSeries, error)

	// GetInstruments may return an empty map when the source cannot
	// enumerate instruments. exchange filters when non-empty.
	GetInstruments(ctx context.Context, exchange string) (map[string]InstrumentInfo, error)

	// SetUpdateHandler registers the push callback. Must be called
	// before Connect.
	SetUpdateHandler(h UpdateHandler)
}
