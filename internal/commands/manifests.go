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
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimjune01/skilldex-sub003/internal/manifest"
)

func newManifestsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifests",
		Short: "Inspect provider manifests",
	}

	var overlayDir string
	list := &cobra.Command{
		Use:   "list",
		Short: "List providers and their operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := manifest.NewRegistry(manifest.RegistryConfig{
				OverlayDir: overlayDir,
				Logger:     slog.Default(),
			})
			if err != nil {
				return err
			}
			defer registry.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tCATEGORY\tAUTH\tOPERATION\tMETHOD\tACCESS")
			for _, name := range registry.Names() {
				m, err := registry.Get(name)
				if err != nil {
					continue
				}
				ids := make([]string, 0, len(m.Operations))
				for id := range m.Operations {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					op := m.Operations[id]
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.Name, m.Category, m.Auth, id, op.Method, op.Access)
				}
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&overlayDir, "overlay", "", "Directory of manifest overrides to include")

	cmd.AddCommand(list)
	return cmd
}
