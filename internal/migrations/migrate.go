package migrations

import (
	"fmt"

	"github.com/Solvire/gramline/internal/database"
	"github.com/Solvire/gramline/internal/domain/session"
)

// RunMigrations brings the schema up to date
func RunMigrations() error {
	if err := database.DB.AutoMigrate(&session.Record{}); err != nil {
		return fmt.Errorf("failed to migrate session records: %w", err)
	}
	return nil
}
