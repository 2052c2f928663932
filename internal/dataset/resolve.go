package dataset

import (
	"context"

	"datastory/internal/capability"
)

// Resolve maps a dataset reference to the context handed to capability
// calls. Satisfies the engine's DatasetResolver.
func (s *Store) Resolve(ctx context.Context, ref string) (capability.DatasetContext, error) {
	meta, err := s.GetMeta(ctx, ref)
	if err != nil {
		return capability.DatasetContext{}, err
	}
	return capability.DatasetContext{
		Ref:         meta.ID,
		Filename:    meta.Filename,
		Description: meta.Description,
		Columns:     meta.Columns,
	}, nil
}
