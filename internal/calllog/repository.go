package calllog

import "context"

// Repository persists call records.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter ListFilter) ([]*Record, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
