package quotes

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/metrics"
)

// chunkPause spaces consecutive quote chunks so a large universe does not
// land as a burst on the per-second window.
const chunkPause = 200 * time.Millisecond

// Batcher fans a symbol universe out over the provider's 50-symbol quote
// ceiling, pacing chunks and caching each chunk's response under the TTL.
type Batcher struct {
	gateway broker.Gateway
	cache   *Cache
	limiter *rate.Limiter
}

// NewBatcher creates a batcher over the given gateway. A nil cache
// disables caching entirely (every call hits the gateway).
func NewBatcher(gateway broker.Gateway, cache *Cache) *Batcher {
	return &Batcher{
		gateway: gateway,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Every(chunkPause), 1),
	}
}

// Quotes fetches quotes for all symbols, splitting into provider-sized
// chunks. A failed chunk drops its symbols from the merged result instead
// of failing the whole batch; callers treat missing symbols as
// price-unavailable.
func (b *Batcher) Quotes(ctx context.Context, symbols []string) (map[string]broker.Quote, error) {
	merged := make(map[string]broker.Quote, len(symbols))

	for start := 0; start < len(symbols); start += broker.MaxQuoteSymbols {
		end := start + broker.MaxQuoteSymbols
		if end > len(symbols) {
			end = len(symbols)
		}
		chunk := symbols[start:end]

		if err := b.limiter.Wait(ctx); err != nil {
			return merged, err
		}

		quotes, err := b.fetchChunk(ctx, chunk)
		if err != nil {
			metrics.Default().BatchChunks.WithLabelValues("error").Inc()
			log.Warn().
				Err(err).
				Int("chunk_size", len(chunk)).
				Str("first_symbol", chunk[0]).
				Msg("Quote chunk failed, symbols dropped from batch")
			continue
		}
		metrics.Default().BatchChunks.WithLabelValues("ok").Inc()

		for symbol, quote := range quotes {
			merged[symbol] = quote
		}
	}

	return merged, nil
}

func (b *Batcher) fetchChunk(ctx context.Context, chunk []string) (map[string]broker.Quote, error) {
	if b.cache == nil {
		return b.gateway.Quotes(ctx, chunk)
	}

	key := "quotes:" + strings.Join(chunk, ",")
	value, err := b.cache.GetOrFetch(ctx, key, func(ctx context.Context) (interface{}, error) {
		return b.gateway.Quotes(ctx, chunk)
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string]broker.Quote), nil
}
