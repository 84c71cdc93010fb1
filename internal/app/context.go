package app

import (
	"context"
	"errors"
	"fmt"

	"vitrina/internal/domain"
	"vitrina/internal/repo"
)

// ResolveShop picks the shop a CLI command operates on. It prefers the
// explicit override, then falls back to the single registered shop.
func ResolveShop(ctx context.Context, shopOverride string, r repo.Repo) (domain.Shop, error) {
	if shopOverride != "" {
		shop, err := r.GetShop(ctx, shopOverride)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Shop{}, fmt.Errorf("shop %s not found", shopOverride)
			}
			return domain.Shop{}, err
		}
		return shop, nil
	}
	shop, err := r.SingleShop(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Shop{}, fmt.Errorf("shop not specified; use --shop")
		}
		return domain.Shop{}, err
	}
	return shop, nil
}
