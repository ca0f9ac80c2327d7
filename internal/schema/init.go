package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackzampolin/reportgen/internal/defra"
)

// Initialize applies every schema to DefraDB. Collections that already exist
// are left alone, so it runs on every start.
func Initialize(ctx context.Context, client *defra.Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := All()
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	var added, existing []string
	for _, s := range schemas {
		err := client.AddSchema(ctx, s.SDL)
		switch {
		case err == nil:
			added = append(added, s.Name)
		case alreadyExists(err):
			existing = append(existing, s.Name)
		default:
			return fmt.Errorf("failed to add schema %s: %w", s.Name, err)
		}
	}

	logger.Info("schemas ready", "added", added, "existing", existing)
	return nil
}

// alreadyExists reports whether DefraDB refused a schema because the
// collection is already defined. The HTTP API only returns a message.
func alreadyExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
