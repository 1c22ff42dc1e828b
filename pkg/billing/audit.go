package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Audit query bounds.
const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// AuditReader queries the append-only audit log. Records are written by the
// Processor inside the transition transaction; there is no update or delete.
type AuditReader interface {
	Find(ctx context.Context, criteria AuditCriteria) ([]AuditRecord, error)
}

// AuditLog validates criteria and reads through the store.
type AuditLog struct {
	store Store
}

// NewAuditLog panics on a nil store.
func NewAuditLog(store Store) *AuditLog {
	if store == nil {
		panic("billing: audit store cannot be nil")
	}
	return &AuditLog{store: store}
}

// Find returns the tenant's records ordered by AppliedAt. A zero Limit means
// DefaultAuditLimit; larger limits are capped at MaxAuditLimit.
func (a *AuditLog) Find(ctx context.Context, criteria AuditCriteria) ([]AuditRecord, error) {
	c, err := normalizeCriteria(criteria)
	if err != nil {
		return nil, err
	}
	records, err := a.store.QueryAudit(ctx, c)
	if err != nil {
		return nil, transient(err)
	}
	return records, nil
}

func normalizeCriteria(c AuditCriteria) (AuditCriteria, error) {
	if c.TenantID == uuid.Nil {
		return c, ErrInvalidTenantID
	}
	if !c.From.IsZero() && !c.To.IsZero() && c.To.Before(c.From) {
		return c, fmt.Errorf("%w: range ends before it starts", ErrInvalidCriteria)
	}
	if c.Limit < 0 || c.Offset < 0 {
		return c, fmt.Errorf("%w: negative limit or offset", ErrInvalidCriteria)
	}
	if c.Limit == 0 {
		c.Limit = DefaultAuditLimit
	}
	c.Limit = min(c.Limit, MaxAuditLimit)
	return c, nil
}

// InRange reports whether r matches the tenant and time range of c.
// Store implementations share it for filtering.
func (c AuditCriteria) InRange(r AuditRecord) bool {
	if r.TenantID != c.TenantID {
		return false
	}
	if !c.From.IsZero() && r.AppliedAt.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && r.AppliedAt.After(c.To) {
		return false
	}
	return true
}
