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

package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimjune01/skilldex-sub003/internal/access"
	"github.com/kimjune01/skilldex-sub003/internal/store"
)

func newOrgPermissionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org-permissions",
		Short: "Inspect and set an organization's category policy",
	}
	cmd.AddCommand(newOrgPermissionsGetCommand())
	cmd.AddCommand(newOrgPermissionsSetCommand())
	return cmd
}

func newOrgPermissionsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <org-id>",
		Short: "Show the effective admin policy for an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			raw, err := st.OrgPermissionsJSON(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			perms := access.ParseOrgPermissions(raw)
			for _, category := range access.Categories() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", category, perms[category])
			}
			return nil
		},
	}
}

func newOrgPermissionsSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <org-id> <category>=<level> [...]",
		Short: "Set admin policy levels for an organization",
		Long: `Sets one or more category levels, e.g.:

  skilldex org-permissions set org-1 email=read-only ats=disabled

Levels are none, disabled, read-only, read-write. Unspecified
categories keep their current value.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			orgID := args[0]
			raw, err := st.OrgPermissionsJSON(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			perms := access.ParseOrgPermissions(raw)

			for _, assignment := range args[1:] {
				name, value, ok := strings.Cut(assignment, "=")
				if !ok {
					return fmt.Errorf("invalid assignment %q, want category=level", assignment)
				}
				category := access.Category(name)
				if !category.Valid() {
					return fmt.Errorf("unknown category %q", name)
				}
				level := access.ParseLevel(value, access.LevelNone)
				if level == access.LevelNone && value != "none" {
					return fmt.Errorf("invalid level %q", value)
				}
				perms[category] = level
			}

			encoded, err := perms.Encode()
			if err != nil {
				return err
			}
			if err := st.SetOrgPermissions(cmd.Context(), orgID, encoded); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "updated")
			return nil
		},
	}
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	path, err := cmd.Flags().GetString("db")
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{Path: path})
}
