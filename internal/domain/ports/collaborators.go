package ports

import (
	"context"

	"github.com/aprovia/workflow/internal/domain/models"
)

// AuthorizationSource supplies a user's effective roles and permissions.
// Eligibility is always resolved against a live read, never cached from
// when an instance reached its current step.
type AuthorizationSource interface {
	Grants(ctx context.Context, orgID, userID string) (*models.Grants, error)
}

// EntityLookup resolves a read-only summary of a business entity. The
// engine does not know how to fetch each entity type itself; the API layer
// supplies the implementation.
type EntityLookup interface {
	Summary(ctx context.Context, orgID, entityType, entityID string) (map[string]interface{}, error)
}

// UserDirectory answers existence/activity checks against the platform
// user table, consumed by delegation validation.
type UserDirectory interface {
	UserExistsActive(ctx context.Context, orgID, userID string) (bool, error)
}

// TransactionRunner executes fn inside one atomic unit of work. The
// transaction travels in the returned context; repositories join it
// transparently.
type TransactionRunner interface {
	InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error
}
