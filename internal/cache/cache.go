package cache

import (
	"context"
	"time"

	"phonestock/backend/internal/domain"
)

type StockCache interface {
	Get(ctx context.Context, key string) (*domain.StockSummary, bool, error)
	Set(ctx context.Context, key string, value *domain.StockSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.StockSummary, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ *domain.StockSummary, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
