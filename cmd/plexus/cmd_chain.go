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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/query"
)

var (
	chainStatus string

	markChain  string
	markFile   string
	markType   string
	markTag    string
	markNote   string
	markLine   int
	markColumn int
	markTags   []string
	markClear  bool
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "List, show, archive and delete provenance chains",
	Long: `Provenance chains group marks. A chain is named by its name or its node
ID (chain:<name>).

Subcommands:
  list     - Chains with their status and mark count
  show     - A chain with its marks
  archive  - Mark a chain archived
  delete   - Delete a chain and its marks`,
}

var chainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chains",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Chains(cmd.Context(), targetContext(), chainStatus, opts...)
		})
	},
}

var chainShowCmd = &cobra.Command{
	Use:   "show CHAIN",
	Short: "Show a chain with its marks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(a *app, _ []query.Option) (any, error) {
			return a.query.Chain(cmd.Context(), targetContext(), adapters.ResolveChain(args[0]))
		})
	},
}

var chainArchiveCmd = &cobra.Command{
	Use:   "archive CHAIN",
	Short: "Archive a chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChainChange(cmd, adapters.ChainChange{Op: adapters.OpArchiveChain, Chain: args[0]})
	},
}

var chainDeleteCmd = &cobra.Command{
	Use:   "delete CHAIN",
	Short: "Delete a chain and every mark it contains",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChainChange(cmd, adapters.ChainChange{Op: adapters.OpDeleteChain, Chain: args[0]})
	},
}

var markCmd = &cobra.Command{
	Use:   "mark",
	Short: "List, update, delete and link marks",
	Long: `Marks are created with "plexus ingest mark". These commands manage them
afterwards.

Subcommands:
  list    - Marks matching the filters
  update  - Change a mark's annotation, position, type or tags
  delete  - Delete a mark
  link    - Link one mark to another
  unlink  - Remove a link
  links   - Show a mark's links`,
}

var markListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List marks",
	Example: `  plexus mark list --chain review --tag auth`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := query.MarkFilter{File: markFile, Type: markType, Tag: markTag}
		if markChain != "" {
			f.Chain = adapters.ResolveChain(markChain)
		}
		return runQuery(cmd, func(a *app, opts []query.Option) (any, error) {
			return a.query.Marks(cmd.Context(), targetContext(), f, opts...)
		})
	},
}

var markUpdateCmd = &cobra.Command{
	Use:     "update MARK",
	Short:   "Update a mark",
	Long:    `Update a mark. Only the flags given are changed.`,
	Example: `  plexus mark update mark:6f0c... --note "fixed in v2" --tag auth --tag done`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ch := adapters.ChainChange{Op: adapters.OpUpdateMark, Mark: graph.NodeID(args[0])}
		flags := cmd.Flags()
		if flags.Changed("note") {
			ch.Annotation = &markNote
		}
		if flags.Changed("line") {
			ch.Line = &markLine
		}
		if flags.Changed("column") {
			ch.Column = &markColumn
		}
		if flags.Changed("type") {
			ch.Type = &markType
		}
		switch {
		case markClear && len(markTags) > 0:
			return fmt.Errorf("--clear-tags and --tag are mutually exclusive")
		case markClear:
			ch.Tags = []string{}
		case len(markTags) > 0:
			ch.Tags = markTags
		}
		return runChainChange(cmd, ch)
	},
}

var markDeleteCmd = &cobra.Command{
	Use:   "delete MARK",
	Short: "Delete a mark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChainChange(cmd, adapters.ChainChange{Op: adapters.OpDeleteMark, Mark: graph.NodeID(args[0])})
	},
}

var markLinkCmd = &cobra.Command{
	Use:   "link SOURCE TARGET",
	Short: "Link one mark to another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChainChange(cmd, adapters.ChainChange{
			Op:     adapters.OpLinkMarks,
			Mark:   graph.NodeID(args[0]),
			Target: graph.NodeID(args[1]),
		})
	},
}

var markUnlinkCmd = &cobra.Command{
	Use:   "unlink SOURCE TARGET",
	Short: "Remove the link from one mark to another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChainChange(cmd, adapters.ChainChange{
			Op:     adapters.OpUnlinkMarks,
			Mark:   graph.NodeID(args[0]),
			Target: graph.NodeID(args[1]),
		})
	},
}

var markLinksCmd = &cobra.Command{
	Use:   "links MARK",
	Short: "Show the marks a mark links to and is linked from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, func(a *app, _ []query.Option) (any, error) {
			return a.query.Links(cmd.Context(), targetContext(), graph.NodeID(args[0]))
		})
	},
}

var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List the tags used by marks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runQuery(cmd, func(a *app, _ []query.Option) (any, error) {
			return a.query.Tags(cmd.Context(), targetContext())
		})
	},
}

func init() {
	chainListCmd.Flags().StringVar(&chainStatus, "status", "", "Only chains with this status: active or archived")
	chainListCmd.Flags().IntVar(&qLimit, "limit", 0, "Maximum results (default 1000)")

	markListCmd.Flags().StringVar(&markChain, "chain", "", "Chain name or ID")
	markListCmd.Flags().StringVar(&markFile, "file", "", "File the mark points at")
	markListCmd.Flags().StringVar(&markType, "type", "", "Mark type")
	markListCmd.Flags().StringVar(&markTag, "tag", "", "Tag the mark carries")
	markListCmd.Flags().IntVar(&qLimit, "limit", 0, "Maximum results (default 1000)")

	markUpdateCmd.Flags().StringVar(&markNote, "note", "", "Annotation text")
	markUpdateCmd.Flags().IntVar(&markLine, "line", 0, "Line number")
	markUpdateCmd.Flags().IntVar(&markColumn, "column", 0, "Column number")
	markUpdateCmd.Flags().StringVar(&markType, "type", "", "Mark type")
	markUpdateCmd.Flags().StringSliceVarP(&markTags, "tag", "t", nil, "Replacement tag, repeatable")
	markUpdateCmd.Flags().BoolVar(&markClear, "clear-tags", false, "Remove every tag")

	chainCmd.AddCommand(chainListCmd, chainShowCmd, chainArchiveCmd, chainDeleteCmd)
	markCmd.AddCommand(markListCmd, markUpdateCmd, markDeleteCmd, markLinkCmd, markUnlinkCmd, markLinksCmd)
	rootCmd.AddCommand(chainCmd, markCmd, tagsCmd)
}

// runChainChange runs one chain or mark operation through the chain adapter.
func runChainChange(cmd *cobra.Command, ch adapters.ChainChange) error {
	target := ch.Chain
	if target == "" {
		target = string(ch.Mark)
	}
	return runIngest(cmd, appOptions{}, adapter.Input{
		Kind:    adapters.ChainKind,
		Summary: fmt.Sprintf("%s %s", ch.Op, target),
		Payload: ch,
	})
}
