package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/khamis1992/radiant-matches-app-sub000/internal/models"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ProfileRepository struct {
	db DBTX
}

func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	query := `
		SELECT id, full_name, avatar_url, role, updated_at
		FROM profiles
		WHERE id = $1
	`
	var profile models.Profile
	err := r.db.QueryRow(ctx, query, id).
		Scan(&profile.ID, &profile.FullName, &profile.AvatarURL, &profile.Role, &profile.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetByIDs returns the profiles that exist among ids, keyed by id.
func (r *ProfileRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Profile, error) {
	profiles := make(map[uuid.UUID]models.Profile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, full_name, avatar_url, role, updated_at
		FROM profiles
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var profile models.Profile
		if err := rows.Scan(&profile.ID, &profile.FullName, &profile.AvatarURL, &profile.Role, &profile.UpdatedAt); err != nil {
			return nil, err
		}
		profiles[profile.ID] = profile
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return profiles, nil
}
