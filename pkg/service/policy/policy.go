// Package policy filters engine results down to records the caller's
// identity is authorized to see. The concrete authorization rule lives behind
// the Authorizer interface; the filter only guarantees every returned record
// was routed through it.
package policy

import (
	"context"

	"github.com/memgate/memgate/pkg/model"
	"github.com/memgate/memgate/pkg/repository"
	"github.com/memgate/memgate/pkg/utils/logging"
)

// Authorizer decides whether an application may see one shadow record.
type Authorizer interface {
	CheckAccess(ctx context.Context, rec *model.MemoryRecord, appID model.AppID) (bool, error)
}

// Policy applies the authorization check to candidate records.
type Policy struct {
	repo repository.Repository
	auth Authorizer
}

// New creates a Policy. When auth is nil the default grant rule is used.
func New(repo repository.Repository, auth Authorizer) *Policy {
	p := &Policy{repo: repo, auth: auth}
	if p.auth == nil {
		p.auth = &defaultAuthorizer{repo: repo}
	}
	return p
}

// Filter returns the accessible subset of candidates (original order and
// shape preserved) together with the accepted ids for audit logging.
// Candidates without a parseable id are skipped, never erroring the batch.
// Both outputs are empty when the input is empty or the caller's user is
// unknown.
func (p *Policy) Filter(ctx context.Context, candidates []map[string]any, userID model.UserID, appID model.AppID) ([]map[string]any, []model.MemoryID) {
	accessible := []map[string]any{}
	ids := []model.MemoryID{}

	if len(candidates) == 0 || userID == "" {
		return accessible, ids
	}

	logger := logging.From(ctx)
	for _, candidate := range candidates {
		rawID, ok := candidate["id"].(string)
		if !ok {
			continue
		}
		memID, err := model.ParseMemoryID(rawID)
		if err != nil {
			continue
		}

		rec, err := p.repo.GetMemory(ctx, memID)
		if err != nil {
			logger.Warn("failed to resolve shadow record, skipping candidate",
				"memory_id", rawID, "error", err.Error())
			continue
		}
		if rec == nil || rec.UserID != userID {
			continue
		}

		allowed, err := p.auth.CheckAccess(ctx, rec, appID)
		if err != nil {
			logger.Warn("authorization check failed, skipping candidate",
				"memory_id", rawID, "error", err.Error())
			continue
		}
		if !allowed {
			// Absence, not failure: unauthorized records are silently excluded.
			continue
		}

		accessible = append(accessible, candidate)
		ids = append(ids, memID)
	}

	return accessible, ids
}

// AccessibleIDs returns the ids of all shadow records owned by the user that
// pass the authorization check. Used by bulk operations that act on the
// caller's whole accessible set.
func (p *Policy) AccessibleIDs(ctx context.Context, userID model.UserID, appID model.AppID) ([]model.MemoryID, error) {
	records, err := p.repo.ListUserMemories(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ids []model.MemoryID
	for _, rec := range records {
		allowed, err := p.auth.CheckAccess(ctx, rec, appID)
		if err != nil {
			return nil, err
		}
		if allowed {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

// defaultAuthorizer: a record is accessible iff its shadow state is active,
// its owning app is active, and the caller is either the owning app or holds
// an explicit allow grant.
type defaultAuthorizer struct {
	repo repository.Repository
}

func (a *defaultAuthorizer) CheckAccess(ctx context.Context, rec *model.MemoryRecord, appID model.AppID) (bool, error) {
	if rec == nil || rec.State != model.MemoryStateActive {
		return false, nil
	}

	owner, err := a.repo.GetApp(ctx, rec.AppID)
	if err != nil {
		return false, err
	}
	if owner == nil || !owner.IsActive {
		return false, nil
	}

	if rec.AppID == appID {
		return true, nil
	}
	return a.repo.HasAccessGrant(ctx, appID, rec.ID)
}
