// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/weight"
)

var (
	pruneMin      float64
	pruneQuantile float64
	pruneFloor    float64

	normalizePolicy string
	normalizeLimit  int

	adaptersJSON bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove weak edges from a context",
	Long: `Remove edges whose raw weight falls below a cutoff.

With --quantile, the cutoff is the given quantile of the context's raw
weights, never lower than --floor. Otherwise edges strictly below --min
are removed.`,
	Example: `  plexus prune -C notes --min 0.1
  plexus prune -C notes --quantile 0.2 --floor 0.05`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var policy weight.CleanupPolicy = weight.Threshold{Min: pruneMin}
		if cmd.Flags().Changed("quantile") {
			if pruneQuantile <= 0 || pruneQuantile >= 1 {
				return fmt.Errorf("--quantile must be in (0, 1), got %g", pruneQuantile)
			}
			policy = weight.Quantile{Q: pruneQuantile, Floor: pruneFloor}
		}
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			res, err := a.engine.PruneEdges(cmd.Context(), targetContext(), policy)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		})
	},
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Show raw and normalized edge weights",
	Long: `Print every edge of a context with its raw weight and its weight under a
normalization policy. Normalization is computed on read; nothing is stored.`,
	Example: `  plexus normalize -C notes --policy softmax`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		policy, err := weight.PolicyByName(normalizePolicy)
		if err != nil {
			return fmt.Errorf("%w (known: %s)", err, strings.Join(weight.Names(), ", "))
		}
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			g, err := a.engine.Graph(targetContext())
			if err != nil {
				return err
			}
			edges := g.Edges()
			norm := weight.NormalizeAll(g, policy, edges)
			sort.Slice(edges, func(i, j int) bool {
				if norm[edges[i].ID] != norm[edges[j].ID] {
					return norm[edges[i].ID] > norm[edges[j].ID]
				}
				return edges[i].ID < edges[j].ID
			})
			if normalizeLimit > 0 && len(edges) > normalizeLimit {
				edges = edges[:normalizeLimit]
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tRELATION\tTARGET\tRAW\t"+strings.ToUpper(policy.Name()))
			for _, e := range edges {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.4f\n", e.Source, e.Relation, e.Target, e.RawWeight, norm[e.ID])
			}
			return w.Flush()
		})
	},
}

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "List registered adapters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			descs := a.runtime.Adapters()
			if adaptersJSON {
				return printJSON(cmd, descs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tINPUT\tDIMENSIONS\tSCHEDULE")
			for _, d := range descs {
				dims := make([]string, len(d.Dimensions))
				for i, dim := range d.Dimensions {
					dims[i] = string(dim)
				}
				input, schedule := d.InputKind, d.Schedule
				if input == "" {
					input = "-"
				}
				if schedule == "" {
					schedule = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, input, strings.Join(dims, ","), schedule)
			}
			return w.Flush()
		})
	},
}

var invokeCmd = &cobra.Command{
	Use:   "invoke ADAPTER",
	Short: "Run one adapter once against the context",
	Long: `Run one adapter once, outside its schedule. Scheduled adapters such as
co_occurrence and tag_bridge still write through their constrained sink.`,
	Example: `  plexus invoke tag_bridge -C notes`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withApp(ctx, appOptions{}, func(a *app) error {
			inv, err := a.runtime.Invoke(ctx, args[0], adapter.Input{
				ContextID: targetContext(),
				Summary:   "cli invoke",
			})
			if err != nil {
				return err
			}
			if err := printJSON(cmd, inv); err != nil {
				return err
			}
			if inv.State != adapter.StateCompleted {
				return fmt.Errorf("%s %s: %s", inv.AdapterID, inv.State, inv.Error)
			}
			return nil
		})
	},
}

func init() {
	pruneCmd.Flags().Float64Var(&pruneMin, "min", weight.DefaultThreshold, "Remove edges with raw weight strictly below this")
	pruneCmd.Flags().Float64Var(&pruneQuantile, "quantile", 0, "Remove edges below this quantile of raw weights")
	pruneCmd.Flags().Float64Var(&pruneFloor, "floor", 0, "Lowest cutoff allowed with --quantile")
	pruneCmd.MarkFlagsMutuallyExclusive("min", "quantile")

	normalizeCmd.Flags().StringVar(&normalizePolicy, "policy", weight.NameOutgoing, "Normalization policy")
	normalizeCmd.Flags().IntVar(&normalizeLimit, "limit", 0, "Show at most this many edges")

	adaptersCmd.Flags().BoolVar(&adaptersJSON, "json", false, "Print JSON")

	rootCmd.AddCommand(pruneCmd, normalizeCmd, adaptersCmd, invokeCmd)
}
