// Package audit appends access events for every authorized memory operation.
package audit

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/memgate/memgate/pkg/model"
	"github.com/memgate/memgate/pkg/repository"
)

// Sink writes audit events. One event is appended per touched memory id, and
// all events of one call commit together or none do. A failed write is the
// caller's to treat as fatal (mutating operations) or log-only (pure reads).
type Sink struct {
	repo repository.Repository
}

// New creates a Sink backed by the repository's access log.
func New(repo repository.Repository) *Sink {
	return &Sink{repo: repo}
}

// Record appends one event per memory id. An empty id collection is a no-op.
func (s *Sink) Record(ctx context.Context, memoryIDs []model.MemoryID, appID model.AppID, accessType model.AccessType, metadata map[string]any) error {
	if len(memoryIDs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	events := make([]*model.AccessEvent, 0, len(memoryIDs))
	for _, id := range memoryIDs {
		events = append(events, &model.AccessEvent{
			MemoryID:   id,
			AppID:      appID,
			AccessType: accessType,
			Metadata:   metadata,
			AccessedAt: now,
		})
	}

	if err := s.repo.AppendAccessEvents(ctx, events); err != nil {
		return goerr.Wrap(err, "failed to record access events",
			goerr.V("access_type", accessType),
			goerr.V("count", len(events)))
	}
	return nil
}
