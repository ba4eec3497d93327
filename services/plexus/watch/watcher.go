// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch feeds file system changes into the adapter runtime.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/plexus/services/plexus/adapter"
	"github.com/AleutianAI/plexus/services/plexus/adapters"
	"github.com/AleutianAI/plexus/services/plexus/graph"
)

// ErrAlreadyStarted is returned by Start on a running watcher.
var ErrAlreadyStarted = errors.New("watcher already started")

// Dispatcher starts adapter invocations. *adapter.Runtime satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, in adapter.Input) ([]string, error)
}

// Options configures the Watcher.
type Options struct {
	// Debounce is how long to wait for more changes before dispatching.
	// Default: 100ms
	Debounce time.Duration `yaml:"debounce"`

	// Ignore are base names or glob patterns of files and directories to
	// skip. Default: [".git", "node_modules", ".idea", "*.swp", "*.tmp", "*~"]
	Ignore []string `yaml:"ignore"`

	// BufferSize is the size of the change channel. Default: 1000
	BufferSize int `yaml:"buffer_size"`

	// InitialScan dispatches a create for every existing file on Start.
	InitialScan bool `yaml:"initial_scan"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		Debounce:   100 * time.Millisecond,
		Ignore:     []string{".git", "node_modules", ".idea", "*.swp", "*.tmp", "*~"},
		BufferSize: 1000,
	}
}

// Watcher watches a directory tree and dispatches file changes to a
// context.
//
// # Description
//
// Changes are collected into a batch. When the debounce window expires
// without new changes, the batch is deduplicated per path (latest op
// wins) and each change becomes one Dispatch of kind adapters.FileKind.
//
// # Thread Safety
//
// Safe for concurrent use. Dispatch is called from a single goroutine.
type Watcher struct {
	root      string
	contextID graph.ContextID
	dispatch  Dispatcher
	opts      Options
	logger    *slog.Logger

	watcher  *fsnotify.Watcher
	changes  chan adapters.FileChange
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu      sync.Mutex
	started bool
	dropped int
	sent    int
}

// New creates a watcher for root feeding contextID.
func New(root string, contextID graph.ContextID, d Dispatcher, opts Options) (*Watcher, error) {
	def := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = def.Debounce
	}
	if opts.Ignore == nil {
		opts.Ignore = def.Ignore
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:      abs,
		contextID: contextID,
		dispatch:  d,
		opts:      opts,
		logger: logger.With(
			slog.String("component", "watch"),
			slog.String("root", abs),
			slog.String("context_id", string(contextID)),
		),
		watcher: fw,
		changes: make(chan adapters.FileChange, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string { return w.root }

// Start registers the directory tree and begins watching.
//
// # Behavior
//
// Spawns two goroutines, an event processor and a debouncer. Both exit
// when Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	if w.opts.InitialScan {
		if err := w.scan(); err != nil {
			w.logger.Warn("initial scan incomplete", slog.String("error", err.Error()))
		}
	}
	w.logger.Info("watching", slog.Bool("initial_scan", w.opts.InitialScan))
	return nil
}

// Stop stops watching and flushes the pending batch.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()
	})
}

// Stats returns the number of dispatched and dropped changes.
func (w *Watcher) Stats() (sent, dropped int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent, w.dropped
}

// addRecursive adds a directory and all subdirectories to the watch list.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// scan queues a create for every existing, non-ignored file.
func (w *Watcher) scan() error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != w.root && w.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		w.enqueue(adapters.FileChange{Path: path, Op: adapters.FileCreated})
		return nil
	})
}

// ignored checks every path component below the root against the ignore
// patterns.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range w.opts.Ignore {
			if part == pattern {
				return true
			}
			if ok, _ := filepath.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) enqueue(c adapters.FileChange) {
	select {
	case w.changes <- c:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		w.logger.Warn("change buffer full, dropping change", slog.String("path", c.Path))
	}
}

// processEvents converts fsnotify events to FileChange values.
func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("cannot watch new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()))
					}
					continue
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.enqueue(adapters.FileChange{Path: event.Name, Op: convertOp(event.Op)})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// convertOp maps an fsnotify op onto a file change op.
func convertOp(op fsnotify.Op) adapters.FileOp {
	switch {
	case op.Has(fsnotify.Create):
		return adapters.FileCreated
	case op.Has(fsnotify.Write):
		return adapters.FileModified
	case op.Has(fsnotify.Remove):
		return adapters.FileRemoved
	case op.Has(fsnotify.Rename):
		return adapters.FileRenamed
	default:
		return adapters.FileModified
	}
}

// debounceLoop batches changes and dispatches them once the window expires.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	var batch []adapters.FileChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			w.send(ctx, Deduplicate(batch))
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			// Drain what the processor already queued.
			for {
				select {
				case c := <-w.changes:
					batch = append(batch, c)
					continue
				default:
				}
				break
			}
			flush()
			return
		case c := <-w.changes:
			batch = append(batch, c)
			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

func (w *Watcher) send(ctx context.Context, changes []adapters.FileChange) {
	// Dispatched runs outlive the watcher's ctx.
	ctx = context.WithoutCancel(ctx)
	for _, c := range changes {
		rel, err := filepath.Rel(w.root, c.Path)
		if err != nil {
			rel = c.Path
		}
		ids, err := w.dispatch.Dispatch(ctx, adapter.Input{
			Kind:      adapters.FileKind,
			ContextID: w.contextID,
			Trigger:   adapter.TriggerInput,
			Summary:   fmt.Sprintf("%s %s", c.Op, filepath.ToSlash(rel)),
			Payload:   c,
		})
		if err != nil {
			w.logger.Warn("dispatch failed",
				slog.String("path", rel),
				slog.String("op", string(c.Op)),
				slog.String("error", err.Error()))
			continue
		}
		w.mu.Lock()
		w.sent++
		w.mu.Unlock()
		w.logger.Debug("dispatched change",
			slog.String("path", rel),
			slog.String("op", string(c.Op)),
			slog.Int("invocations", len(ids)))
	}
}

// Deduplicate keeps the latest change per path, in first-seen order.
func Deduplicate(changes []adapters.FileChange) []adapters.FileChange {
	seen := make(map[string]int, len(changes))
	out := make([]adapters.FileChange, 0, len(changes))
	for _, c := range changes {
		if idx, ok := seen[c.Path]; ok {
			out[idx] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
