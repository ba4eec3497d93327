// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/graph"
	"github.com/AleutianAI/plexus/services/plexus/provenance"
	"github.com/AleutianAI/plexus/services/plexus/sink"
)

// FileOp is the kind of change observed on a file.
type FileOp string

const (
	FileCreated  FileOp = "create"
	FileModified FileOp = "write"
	FileRemoved  FileOp = "remove"
	FileRenamed  FileOp = "rename"
)

// FileChange reports one file system change.
type FileChange struct {
	Path string `json:"path" validate:"required"`
	Op   FileOp `json:"op" validate:"required,oneof=create write remove rename"`
}

// InputKind implements adapter.Payload.
func (FileChange) InputKind() string { return FileKind }

const (
	// HashtagConfidence annotates references extracted from hashtags.
	HashtagConfidence = 0.8

	// DefaultMaxScanBytes bounds the files scanned for hashtags.
	DefaultMaxScanBytes = 1 << 20
)

// hashtagPattern matches "#word" at the start of a line or after whitespace.
// Markdown headings ("# Title") do not match because of the space.
var hashtagPattern = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_-]{1,63})`)

// scannable lists the extensions whose contents are scanned for hashtags.
var scannable = map[string]bool{
	".md":  true,
	".txt": true,
	".org": true,
	".rst": true,
}

// FileAdapter maps files under a root directory to document nodes.
//
// Emission for a created or modified file:
//
//	doc:<relative path>  --references-->  concept:<hashtag>   (per hashtag)
//
// A removed or renamed path removes its document node; the cascade drops
// its edges.
type FileAdapter struct {
	id           string
	root         string
	maxScanBytes int64
}

// NewFileAdapter creates a file adapter rooted at root.
func NewFileAdapter(id, root string) *FileAdapter {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	return &FileAdapter{id: id, root: abs, maxScanBytes: DefaultMaxScanBytes}
}

func (a *FileAdapter) ID() string        { return a.id }
func (a *FileAdapter) InputKind() string { return FileKind }

// Root returns the absolute root directory.
func (a *FileAdapter) Root() string { return a.root }

// Dimensions implements adapter.Adapter.
func (a *FileAdapter) Dimensions() []graph.Dimension {
	return []graph.Dimension{graph.DimensionStructure, graph.DimensionSemantic}
}

// DocumentID returns the node ID of a path relative to the root.
func DocumentID(rel string) graph.NodeID {
	return graph.NodeID("doc:" + filepath.ToSlash(rel))
}

// Process implements adapter.Adapter.
func (a *FileAdapter) Process(ctx context.Context, in adapter.Input, s sink.Sink) error {
	fc, err := adapter.PayloadAs[FileChange](in)
	if err != nil {
		return err
	}
	rel, err := a.relative(fc.Path)
	if err != nil {
		return err
	}
	docID := DocumentID(rel)

	switch fc.Op {
	case FileRemoved, FileRenamed:
		var em sink.Emission
		em.Remove(docID)
		_, err = s.Emit(ctx, em)
		return err
	case FileCreated, FileModified:
	default:
		return fmt.Errorf("%w: unknown file op %q", adapter.ErrInvalidInput, fc.Op)
	}

	abs := filepath.Join(a.root, rel)
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Deleted between the event and now.
			var em sink.Emission
			em.Remove(docID)
			_, err = s.Emit(ctx, em)
			return err
		}
		return fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil
	}

	ext := strings.ToLower(filepath.Ext(rel))
	var em sink.Emission
	em.AddNode(sink.AnnotatedNode{
		ID:        docID,
		Type:      graph.NodeTypeDocument,
		Dimension: graph.DimensionStructure,
		Properties: map[string]any{
			"path":     filepath.ToSlash(rel),
			"size":     info.Size(),
			"mod_time": info.ModTime().UTC(),
			"ext":      ext,
		},
	})

	if scannable[ext] && info.Size() <= a.maxScanBytes {
		tags, err := scanHashtags(abs)
		if err != nil {
			return fmt.Errorf("scan %s: %w", rel, err)
		}
		for _, t := range tags {
			em.AddNode(conceptNode(t.tag))
			em.AddEdge(sink.AnnotatedEdge{
				Source:   docID,
				Target:   ConceptID(t.tag),
				Relation: graph.RelationReferences,
				Annotation: provenance.NewAnnotation(HashtagConfidence).
					WithMethod("hashtag").
					WithSourceLocation(fmt.Sprintf("%s:%d", filepath.ToSlash(rel), t.line)),
			})
		}
	}

	_, err = s.Emit(ctx, em)
	return err
}

// relative resolves p against the root and refuses paths outside it.
func (a *FileAdapter) relative(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(a.root, p)
	}
	rel, err := filepath.Rel(a.root, filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", adapter.ErrInvalidInput, p, a.root)
	}
	return rel, nil
}

type hashtag struct {
	tag  string
	line int
}

// scanHashtags returns the distinct hashtags of a file with the line of
// their first occurrence.
func scanHashtags(path string) ([]hashtag, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []hashtag
	seen := make(map[string]bool)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), DefaultMaxScanBytes)
	line := 0
	for sc.Scan() {
		line++
		for _, m := range hashtagPattern.FindAllStringSubmatch(sc.Text(), -1) {
			tag := strings.ToLower(m[1])
			if seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, hashtag{tag: tag, line: line})
		}
	}
	return out, sc.Err()
}
