// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package migrate implements the migrate command, which applies the
// backend schema.
package migrate

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/openworkflow/internal/cli/format"
	"github.com/tombee/openworkflow/internal/commands/shared"
	"github.com/tombee/openworkflow/pkg/backend"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply backend schema migrations",
		Long: `Apply every schema migration above the backend's recorded version.

Migrations are idempotent; running migrate against an up-to-date backend
is a no-op. Workers do not migrate on startup, so run this once before
the first worker ever starts, and again after upgrading.`,
		Example: `  # Example 1: Migrate the backend named by openworkflow.yaml
  openworkflow migrate

  # Example 2: Migrate a specific config's backend
  openworkflow migrate --config deploy/openworkflow.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithBackend(func(ctx context.Context, store backend.Backend) error {
				return runMigrate(ctx, store, os.Stdout)
			})
		},
	}
}

func runMigrate(ctx context.Context, store backend.Backend, out io.Writer) error {
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	fmt.Fprintln(out, format.RenderOK("Backend schema is up to date"))
	return nil
}
