// Package nutrition turns a product name and a count into per-item and total nutrition.
// Sources are tried in order and the first answer wins; the last tier always answers.
package nutrition

import (
	iface "FoodDetServer/interface"
	"FoodDetServer/logger"
	"FoodDetServer/monitor"
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Resolver struct {
	strategies []Strategy
	log        *zap.Logger
}

// NewResolver builds the standard chain: Edamam, keyword table, generic default.
func NewResolver(cfg Config) *Resolver {
	return NewResolverWith(NewEdamamStrategy(cfg), KeywordStrategy{}, DefaultStrategy{})
}

// NewResolverWith uses the given strategies in order. DefaultStrategy is appended
// when the chain does not already end with one.
func NewResolverWith(strategies ...Strategy) *Resolver {
	chain := append([]Strategy(nil), strategies...)
	if len(chain) == 0 || chain[len(chain)-1].Tier() != TierDefault {
		chain = append(chain, DefaultStrategy{})
	}
	return &Resolver{strategies: chain, log: logger.Named("nutrition")}
}

// Resolve returns nutrition for one item and the total for count items.
func (r *Resolver) Resolve(ctx context.Context, name string, count int) (perItem, total iface.NutritionInfo) {
	for _, s := range r.strategies {
		info, err := r.lookup(ctx, s, name)
		if err != nil {
			r.log.Warn("Nutrition source skipped", zap.String("tier", s.Tier()), zap.String("product", name), zap.Error(err))
			continue
		}
		monitor.NutritionTier.WithLabelValues(s.Tier()).Inc()
		r.log.Debug("Nutrition resolved", zap.String("tier", s.Tier()), zap.String("product", name), zap.Int("count", count))
		return info, info.Scale(count)
	}
	// 链尾必为 DefaultStrategy，这里只在其 panic 时到达
	return defaultInfo, defaultInfo.Scale(count)
}

func (r *Resolver) lookup(ctx context.Context, s Strategy, name string) (info iface.NutritionInfo, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("strategy panic: %v", rec)
		}
	}()
	return s.Lookup(ctx, name)
}
