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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/plexus/services/plexus/engine"
	"github.com/AleutianAI/plexus/services/plexus/graph"
)

var (
	ctxName        string
	ctxDescription string
	ctxTags        []string
	ctxSources     []string
	ctxJSON        bool
)

var contextCmd = &cobra.Command{
	Use:     "context",
	Aliases: []string{"ctx"},
	Short:   "Administer contexts",
	Long: `Create, inspect, rename and delete contexts, and declare their sources.

Sources are written kind:ref, where kind is file, directory, url or context.`,
}

var contextCreateCmd = &cobra.Command{
	Use:     "create ID",
	Short:   "Create a context",
	Example: `  plexus context create notes --name "Field notes" --source directory:/home/me/notes`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := parseSources(ctxSources)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			meta, err := a.engine.CreateContext(cmd.Context(), graph.Context{
				ID:          graph.ContextID(args[0]),
				Name:        ctxName,
				Description: ctxDescription,
				Tags:        ctxTags,
				Sources:     sources,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		})
	},
}

var contextListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contexts with their sizes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			contexts := a.engine.ListContexts()
			summaries := make([]engine.Summary, 0, len(contexts))
			for _, c := range contexts {
				s, err := a.engine.Summary(c.ID)
				if err != nil {
					return err
				}
				summaries = append(summaries, s)
			}
			if ctxJSON {
				return printJSON(cmd, summaries)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tNODES\tEDGES\tSOURCES")
			for i, c := range contexts {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
					c.ID, c.Name, summaries[i].NodeCount, summaries[i].EdgeCount, len(c.Sources))
			}
			return tw.Flush()
		})
	},
}

var contextShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a context's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			meta, err := a.engine.Context(graph.ContextID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		})
	},
}

var contextRenameCmd = &cobra.Command{
	Use:   "rename ID NAME",
	Short: "Change a context's display name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			meta, err := a.engine.RenameContext(cmd.Context(), graph.ContextID(args[0]), args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		})
	},
}

var contextDescribeCmd = &cobra.Command{
	Use:   "describe ID",
	Short: "Set a context's description and tags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			meta, err := a.engine.DescribeContext(cmd.Context(), graph.ContextID(args[0]), ctxDescription, ctxTags)
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		})
	},
}

var contextDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a context with its graph and provenance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), appOptions{}, func(a *app) error {
			if err := a.engine.DeleteContext(cmd.Context(), graph.ContextID(args[0])); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return err
		})
	},
}

var contextSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Declare or drop context sources",
}

var contextSourcesAddCmd = &cobra.Command{
	Use:     "add ID KIND:REF...",
	Short:   "Declare sources",
	Example: `  plexus context sources add notes directory:/home/me/notes url:https://example.com/feed`,
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSources(cmd, args, true)
	},
}

var contextSourcesRemoveCmd = &cobra.Command{
	Use:   "remove ID KIND:REF...",
	Short: "Drop sources. Graph content is kept",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeSources(cmd, args, false)
	},
}

func init() {
	contextCreateCmd.Flags().StringVar(&ctxName, "name", "", "Display name (default: the ID)")
	contextCreateCmd.Flags().StringSliceVar(&ctxSources, "source", nil, "Source as kind:ref, repeatable")
	for _, c := range []*cobra.Command{contextCreateCmd, contextDescribeCmd} {
		c.Flags().StringVar(&ctxDescription, "description", "", "Description")
		c.Flags().StringSliceVar(&ctxTags, "tag", nil, "Tag, repeatable")
	}
	contextListCmd.Flags().BoolVar(&ctxJSON, "json", false, "Output as JSON")

	contextSourcesCmd.AddCommand(contextSourcesAddCmd, contextSourcesRemoveCmd)
	contextCmd.AddCommand(contextCreateCmd, contextListCmd, contextShowCmd, contextRenameCmd,
		contextDescribeCmd, contextDeleteCmd, contextSourcesCmd)
	rootCmd.AddCommand(contextCmd)
}

func changeSources(cmd *cobra.Command, args []string, add bool) error {
	sources, err := parseSources(args[1:])
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), appOptions{}, func(a *app) error {
		apply := a.engine.RemoveSources
		if add {
			apply = a.engine.AddSources
		}
		meta, err := apply(cmd.Context(), graph.ContextID(args[0]), sources...)
		if err != nil {
			return err
		}
		return printJSON(cmd, meta)
	})
}

// parseSources parses kind:ref arguments. Only the first colon separates,
// so URLs and Windows paths keep theirs.
func parseSources(raw []string) ([]graph.Source, error) {
	out := make([]graph.Source, 0, len(raw))
	for _, r := range raw {
		kind, ref, ok := strings.Cut(r, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not kind:ref", graph.ErrInvalidSource, r)
		}
		s := graph.Source{Kind: graph.SourceKind(strings.ToLower(kind)), Ref: ref}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
