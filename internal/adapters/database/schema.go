package database

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/zatekoja/clinicqueue/internal/infrastructure/clients/postgres"
)

//go:embed schema.sql
var schemaSQL string

// ApplySchema creates the encounters table and its indexes if they are missing
func ApplySchema(ctx context.Context, client *postgres.Client) error {
	if _, err := client.DB().ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
