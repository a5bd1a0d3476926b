package directory

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSource reads user records from the identity service's users table.
// The table is owned and migrated by the identity service; this side only
// selects from it.
type PostgresSource struct {
	db *sql.DB
}

// NewPostgresSource wraps an open database handle.
func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

// Users returns every account ordered by display name.
func (s *PostgresSource) Users(ctx context.Context) ([]User, error) {
	const query = `SELECT id, name, email, role FROM users ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("directory: query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role); err != nil {
			return nil, fmt.Errorf("directory: scan user: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate users: %w", err)
	}
	return out, nil
}
