package route

import "context"

// Static is a fixed pool snapshot. It backs development and test deployments
// where no live pool source is configured.
type Static []Pool

// Pools returns the snapshot as-is.
func (s Static) Pools(context.Context) ([]Pool, error) {
	return s, nil
}
