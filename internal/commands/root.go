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

// Package commands implements the skilldex admin CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// BuildInfo identifies the binary for the version command.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// NewRoot builds the root command with all subcommands attached.
func NewRoot(build BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:   "skilldex",
		Short: "Administer the skilldex integration broker",
		Long: `skilldex manages the integration broker's stored state:
organization permission policies, connected integrations, provider
manifests, and the credential vault key.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "skilldex.db", "Path to the broker's SQLite database")

	root.AddCommand(newVersionCommand(build))
	root.AddCommand(newVaultCommand())
	root.AddCommand(newOrgPermissionsCommand())
	root.AddCommand(newIntegrationsCommand())
	root.AddCommand(newManifestsCommand())
	return root
}
