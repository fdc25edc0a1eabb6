package sqlite

import (
	"context"
	"fmt"
)

// BumpSchemaForTest marks the database as written by a newer build.
func (s *Store) BumpSchemaForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", len(migrations)+1))
	return err
}
