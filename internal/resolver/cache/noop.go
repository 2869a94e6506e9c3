// Package cache provides tier plumbing shared by the concrete edge and
// distributed implementations.
package cache

import (
	"context"

	"github.com/jbstanley2004/openphone-notion-live-sub000/internal/resolver/models"
)

// Noop is a tier that never hits. It stands in for the distributed tier when
// Redis is not configured so the resolver wiring stays uniform.
type Noop struct{}

func (Noop) Get(context.Context, string) (*models.DistributedEntry, bool, error) {
	return nil, false, nil
}

func (Noop) Set(context.Context, *models.DistributedEntry) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }
