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
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newIntegrationsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrations",
		Short: "Inspect connected integrations",
	}
	cmd.AddCommand(newIntegrationsListCommand())
	cmd.AddCommand(newIntegrationsShowCommand())
	cmd.AddCommand(newIntegrationsDisconnectCommand())
	return cmd
}

func newIntegrationsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <user-id>",
		Short: "List a user's integrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListByUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATUS\tACCESS\tORG-WIDE\tREFRESHED")
			for _, rec := range records {
				refreshed := "-"
				if !rec.RefreshedAt.IsZero() {
					refreshed = rec.RefreshedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
					rec.Provider, rec.Status, rec.AccessLevel(), rec.OrgWide, refreshed)
			}
			return w.Flush()
		},
	}
}

func newIntegrationsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <integration-id>",
		Short: "Show one integration record by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.GetIntegrationByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:        %s\n", rec.ID)
			fmt.Fprintf(out, "user:      %s\n", rec.UserID)
			fmt.Fprintf(out, "org:       %s\n", rec.OrgID)
			fmt.Fprintf(out, "provider:  %s\n", rec.Provider)
			fmt.Fprintf(out, "status:    %s\n", rec.Status)
			fmt.Fprintf(out, "access:    %s\n", rec.AccessLevel())
			fmt.Fprintf(out, "org-wide:  %t\n", rec.OrgWide)
			fmt.Fprintf(out, "token-ref: %s\n", rec.TokenRef)
			if !rec.RefreshedAt.IsZero() {
				fmt.Fprintf(out, "refreshed: %s\n", rec.RefreshedAt.Format("2006-01-02 15:04:05"))
			}
			keys := make([]string, 0, len(rec.Metadata))
			for key := range rec.Metadata {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(out, "meta.%s: %v\n", key, rec.Metadata[key])
			}
			return nil
		},
	}
}

func newIntegrationsDisconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <user-id> <provider>",
		Short: "Remove a user's integration record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.GetIntegration(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if err := st.DeleteIntegration(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if rec.TokenRef != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "removed; orphaned credential ref %s (clean with vault tooling)\n", rec.TokenRef)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		},
	}
}
