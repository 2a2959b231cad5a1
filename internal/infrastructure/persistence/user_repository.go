package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// UserRepository answers existence checks against the platform user table.
// The engine never manages users; delegation validation only needs to know
// whether a delegate is a real, active user of the tenant.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) UserExistsActive(ctx context.Context, orgID, userID string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = ? AND org_id = ? AND is_active = true)", TableUser)
	err := conn(ctx, r.db).QueryRowContext(ctx, query, userID, orgID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
