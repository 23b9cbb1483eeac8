package cde

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("cde not found")

type Repository interface {
	Create(ctx context.Context, c *CommonDataElement) error
	GetByCode(ctx context.Context, code string) (*CommonDataElement, error)
	Update(ctx context.Context, c *CommonDataElement) error
	Delete(ctx context.Context, code string) error
	List(ctx context.Context, limit, offset int) ([]*CommonDataElement, int, error)
	// ListByCodes returns the CDEs among codes that exist, in no particular order.
	ListByCodes(ctx context.Context, codes []string) ([]*CommonDataElement, error)
	ListCalculated(ctx context.Context) ([]*CommonDataElement, error)
}
