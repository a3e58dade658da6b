package flightstore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Store prefetches sets of tensors through a Client with bounded
// concurrency. A failed fetch cancels the remaining ones.
type Store struct {
	client      Client
	concurrency int
}

// NewStore wraps a client. concurrency <= 0 falls back to serial fetches.
func NewStore(client Client, concurrency int) *Store {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Store{client: client, concurrency: concurrency}
}

// FetchAll retrieves every named tensor, keyed by name. The result is
// complete or the error is non-nil, never partial.
func (s *Store) FetchAll(ctx context.Context, names []string) (map[string]*TensorData, error) {
	start := time.Now()
	out := make(map[string]*TensorData, len(names))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, name := range names {
		name := name
		g.Go(func() error {
			td, err := s.client.Fetch(ctx, name)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = td
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, td := range out {
		total += len(td.Data)
	}
	logger.Log.Info("tensors fetched",
		"count", len(out),
		"bytes", total,
		"concurrency", s.concurrency,
		"duration", time.Since(start).String())
	return out, nil
}

// Close releases the underlying client connection.
func (s *Store) Close() error {
	return s.client.Close()
}
