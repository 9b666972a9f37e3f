package patient

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("patient not found")
	ErrDuplicate = errors.New("patient already exists")
)

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id string) (*Patient, error)
	// Search matches term against name, MRN and ID and returns one page
	// plus the total number of matches.
	Search(ctx context.Context, term string, limit, offset int) ([]*Patient, int, error)
}
