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
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/graph"
)

var (
	ingestTags       []string
	ingestSource     string
	ingestChain      string
	ingestDate       string
	ingestFile       string
	ingestLine       int
	ingestColumn     int
	ingestNote       string
	ingestMarkType   string
	ingestRefs       []string
	ingestConfidence float64
	ingestRoot       string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Feed fragments, marks or files into a context",
	Long: `Run the adapters for one input and wait for them to commit.

Subcommands:
  fragment  - A tagged text fragment
  mark      - A mark in a provenance chain
  file      - One or more files, scanned for #hashtags`,
}

var ingestFragmentCmd = &cobra.Command{
	Use:   "fragment TEXT",
	Short: "Ingest a tagged text fragment",
	Example: `  plexus ingest fragment "rotate signing keys monthly" --tag security --tag keys
  plexus ingest fragment "call with vendor" --source journal --date 2025-06-01`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := adapters.Fragment{
			Text:   args[0],
			Tags:   ingestTags,
			Source: ingestSource,
			Date:   ingestDate,
			Chain:  ingestChain,
		}
		summary := "fragment"
		if f.Source != "" {
			summary = "fragment from " + f.Source
		}
		return runIngest(cmd, appOptions{}, adapter.Input{
			Kind:    adapters.FragmentKind,
			Summary: summary,
			Payload: f,
		})
	},
}

var ingestMarkCmd = &cobra.Command{
	Use:   "mark",
	Short: "Record a mark in a provenance chain",
	Example: `  plexus ingest mark --chain review --file auth/login.go --line 42 --tag auth \
      --ref doc:README.md --confidence 0.8 --note "token check happens here"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		refs := make([]graph.NodeID, len(ingestRefs))
		for i, r := range ingestRefs {
			refs[i] = graph.NodeID(r)
		}
		m := adapters.Mark{
			Chain:      ingestChain,
			File:       ingestFile,
			Line:       ingestLine,
			Column:     ingestColumn,
			Annotation: ingestNote,
			Type:       ingestMarkType,
			Tags:       ingestTags,
			References: refs,
			Confidence: ingestConfidence,
		}
		if m.Chain == "" || m.File == "" {
			return fmt.Errorf("--chain and --file are required")
		}
		if m.Confidence < 0 || m.Confidence > 1 {
			return fmt.Errorf("--confidence must be within [0, 1]")
		}
		return runIngest(cmd, appOptions{}, adapter.Input{
			Kind:    adapters.MarkKind,
			Summary: fmt.Sprintf("mark %s:%d", m.File, m.Line),
			Payload: m,
		})
	},
}

var ingestFileCmd = &cobra.Command{
	Use:   "file PATH...",
	Short: "Scan files for #hashtags",
	Long: `Scan files under --root for #hashtags and link each document to its
concepts. A path that no longer exists removes its document node.`,
	Example: `  plexus ingest file notes/today.md --root ~/notes -C notes`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := filepath.Abs(ingestRoot)
		if err != nil {
			return err
		}
		inputs := make([]adapter.Input, 0, len(args))
		for _, p := range args {
			abs, err := filepath.Abs(p)
			if err != nil {
				return err
			}
			inputs = append(inputs, adapter.Input{
				Kind:    adapters.FileKind,
				Summary: "write " + filepath.ToSlash(p),
				Payload: adapters.FileChange{Path: abs, Op: adapters.FileModified},
			})
		}
		return runIngest(cmd, appOptions{fileRoot: root}, inputs...)
	},
}

func init() {
	for _, c := range []*cobra.Command{ingestFragmentCmd, ingestMarkCmd} {
		c.Flags().StringSliceVarP(&ingestTags, "tag", "t", nil, "Tag, repeatable")
		c.Flags().StringVar(&ingestChain, "chain", "", "Provenance chain name")
	}
	ingestFragmentCmd.Flags().StringVar(&ingestSource, "source", "", "Where the fragment came from")
	ingestFragmentCmd.Flags().StringVar(&ingestDate, "date", "", "Date of the fragment")

	ingestMarkCmd.Flags().StringVar(&ingestFile, "file", "", "File the mark points at (required)")
	ingestMarkCmd.Flags().IntVar(&ingestLine, "line", 0, "Line number")
	ingestMarkCmd.Flags().IntVar(&ingestColumn, "column", 0, "Column number")
	ingestMarkCmd.Flags().StringVar(&ingestNote, "note", "", "Annotation text")
	ingestMarkCmd.Flags().StringVar(&ingestMarkType, "type", "", "Mark type, e.g. todo or note")
	ingestMarkCmd.Flags().StringSliceVar(&ingestRefs, "ref", nil, "Referenced node ID, repeatable")
	ingestMarkCmd.Flags().Float64Var(&ingestConfidence, "confidence", 0, "Confidence of the references, 0 to 1")

	ingestFileCmd.Flags().StringVar(&ingestRoot, "root", ".", "Root directory document IDs are relative to")

	ingestCmd.AddCommand(ingestFragmentCmd, ingestMarkCmd, ingestFileCmd)
	rootCmd.AddCommand(ingestCmd)
}

// runIngest runs each input against the target context and prints the
// invocations. It fails if any invocation did not complete.
func runIngest(cmd *cobra.Command, opts appOptions, inputs ...adapter.Input) error {
	ctx := cmd.Context()
	return withApp(ctx, opts, func(a *app) error {
		var all []adapter.Invocation
		var failed []string
		for _, in := range inputs {
			in.ContextID = targetContext()
			in.Trigger = adapter.TriggerInput
			invs, err := a.runtime.Ingest(ctx, in)
			if err != nil {
				return err
			}
			for _, inv := range invs {
				if inv.State != adapter.StateCompleted {
					failed = append(failed, fmt.Sprintf("%s %s: %s", inv.AdapterID, inv.State, inv.Error))
				}
			}
			all = append(all, invs...)
		}
		if err := printJSON(cmd, all); err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("ingest failed: %s", strings.Join(failed, "; "))
		}
		return nil
	})
}
