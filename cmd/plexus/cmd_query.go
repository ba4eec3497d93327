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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
)

// Shared query flags.
var (
	qPolicy    string
	qLimit     int
	qDepth     int
	qDirection string
	qRelations []string
	qMinWeight float64

	qType      string
	qDimension string
	qPrefix    string
	qProperty  string
	qValue     string
)

var nodeCmd = &cobra.Command{
	Use:   "node ID",
	Short: "Show a node with its weighted edges and provenance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Node(cmd.Context(), targetContext(), graph.NodeID(args[0]), opts...)
		})
	},
}

var edgeCmd = &cobra.Command{
	Use:   "edge ID | edge SOURCE RELATION TARGET",
	Short: "Show an edge with its contributions and provenance",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 && len(args) != 3 {
			return fmt.Errorf("expected an edge ID or SOURCE RELATION TARGET, got %d args", len(args))
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		id := graph.EdgeID(args[0])
		if len(args) == 3 {
			id = graph.MakeEdgeID(graph.NodeID(args[0]), args[1], graph.NodeID(args[2]))
		}
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Edge(cmd.Context(), targetContext(), id, opts...)
		})
	},
}

var findCmd = &cobra.Command{
	Use:     "find",
	Short:   "Find nodes by type, dimension or ID prefix",
	Example: `  plexus find --type concept --prefix concept:au`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Find(cmd.Context(), targetContext(), query.Filter{
				Type:      qType,
				Dimension: graph.Dimension(qDimension),
				IDPrefix:  qPrefix,
				Property:  qProperty,
				Value:     qValue,
			}, opts...)
		})
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors ID",
	Short: "List adjacent nodes, strongest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Neighbors(cmd.Context(), targetContext(), graph.NodeID(args[0]), opts...)
		})
	},
}

var traverseCmd = &cobra.Command{
	Use:   "traverse START",
	Short: "Breadth-first traversal from a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Traverse(cmd.Context(), targetContext(), graph.NodeID(args[0]), opts...)
		})
	},
}

var pathCmd = &cobra.Command{
	Use:     "path FROM TO",
	Short:   "Shortest path between two nodes",
	Example: `  plexus path concept:auth concept:tokens --direction both`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Path(cmd.Context(), targetContext(), graph.NodeID(args[0]), graph.NodeID(args[1]), opts...)
		})
	},
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence CONCEPT",
	Short: "Show the marks, fragments and chains supporting a concept",
	Long: `Show the evidence trail of a concept. CONCEPT is a node ID such as
concept:auth, or a bare tag such as auth.`,
	Example: `  plexus evidence auth -C notes`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		concept := graph.NodeID(args[0])
		if !strings.Contains(args[0], ":") {
			concept = adapters.ConceptID(args[0])
		}
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.EvidenceTrail(cmd.Context(), targetContext(), concept, opts...)
		})
	},
}

var sharedCmd = &cobra.Command{
	Use:   "shared [CONTEXT...]",
	Short: "List concepts present in several contexts",
	Long: `List concepts whose identifier exists in at least two of the given
contexts. With no arguments every context is compared.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]graph.ContextID, len(args))
		for i, a := range args {
			ids[i] = graph.ContextID(a)
		}
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.SharedConcepts(cmd.Context(), ids, opts...)
		})
	},
}

func init() {
	queryCmds := []*cobra.Command{nodeCmd, edgeCmd, findCmd, neighborsCmd, traverseCmd, pathCmd, evidenceCmd, sharedCmd}
	for _, c := range queryCmds {
		f := c.Flags()
		f.StringVar(&qPolicy, "policy", "", "Normalization policy: outgoing, incoming, softmax, identity")
		f.IntVar(&qLimit, "limit", 0, "Maximum results (default 1000)")
	}
	for _, c := range []*cobra.Command{neighborsCmd, traverseCmd, pathCmd} {
		f := c.Flags()
		f.StringVar(&qDirection, "direction", "out", "Edge direction: out, in, both")
		f.StringSliceVar(&qRelations, "relation", nil, "Follow only these relations")
		f.Float64Var(&qMinWeight, "min-weight", 0, "Ignore edges below this normalized weight")
	}
	traverseCmd.Flags().IntVar(&qDepth, "depth", 0, "Maximum depth (default 3)")
	pathCmd.Flags().IntVar(&qDepth, "depth", 0, "Maximum path length (default 3)")

	findCmd.Flags().StringVar(&qType, "type", "", "Node type")
	findCmd.Flags().StringVar(&qDimension, "dimension", "", "Node dimension")
	findCmd.Flags().StringVar(&qPrefix, "prefix", "", "Node ID prefix")
	findCmd.Flags().StringVar(&qProperty, "property", "", "String property name to match")
	findCmd.Flags().StringVar(&qValue, "value", "", "Value the property must equal")

	rootCmd.AddCommand(queryCmds...)
}

// queryOptions converts the shared flags into query options.
func queryOptions() ([]query.Option, error) {
	var opts []query.Option
	if qPolicy != "" {
		opts = append(opts, query.WithPolicy(qPolicy))
	}
	if qLimit > 0 {
		opts = append(opts, query.WithLimit(qLimit))
	}
	if qDepth > 0 {
		opts = append(opts, query.WithMaxDepth(qDepth))
	}
	if qDirection != "" {
		d, ok := query.ParseDirection(qDirection)
		if !ok {
			return nil, fmt.Errorf("%w: unknown direction %q", query.ErrInvalidQuery, qDirection)
		}
		opts = append(opts, query.WithDirection(d))
	}
	if len(qRelations) > 0 {
		opts = append(opts, query.WithRelations(qRelations...))
	}
	if qMinWeight > 0 {
		opts = append(opts, query.WithMinWeight(qMinWeight))
	}
	return opts, nil
}

func runQuery(cmd *cobra.Command, fn func(*app, []query.Option) (any, error)) error {
	opts, err := queryOptions()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), appOptions{}, func(a *app) error {
		out, err := fn(a, opts)
		if err != nil {
			return err
		}
		return printJSON(cmd, out)
	})
}
