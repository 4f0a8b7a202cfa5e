package flagstore

import (
	"context"
)

// Sets of string flags attached to a key, such as a submitter ID ("repeat-offender", "trusted").
type FlagStore interface {
	Get(ctx context.Context, key string) ([]string, error)
	Add(ctx context.Context, key string, flags []string) error
	Remove(ctx context.Context, key string, flags []string) error
}
