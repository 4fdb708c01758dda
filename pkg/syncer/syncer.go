// Package syncer copies keys between storage adapters, skipping entries whose
// target value already matches the source.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kvmigrate/pkg/storage"
)

// ConflictStrategy decides what happens when a key exists on both sides with
// different values.
type ConflictStrategy string

const (
	// ConflictSource overwrites the target with the source value.
	ConflictSource ConflictStrategy = "source"
	// ConflictTarget keeps the target value.
	ConflictTarget ConflictStrategy = "target"
)

// Options controls a sync run.
type Options struct {
	// DeleteRemoved removes target keys absent from the source.
	DeleteRemoved bool
	// ConflictStrategy defaults to ConflictSource.
	ConflictStrategy ConflictStrategy
	// MaxConcurrent bounds parallel copies. Default 4.
	MaxConcurrent int

	Log *logrus.Logger
}

// Result summarizes a sync run.
type Result struct {
	NewKeys       int64         `json:"new_keys"`
	UpdatedKeys   int64         `json:"updated_keys"`
	DeletedKeys   int64         `json:"deleted_keys"`
	SkippedKeys   int64         `json:"skipped_keys"`
	UnchangedKeys int64         `json:"unchanged_keys"`
	TotalBytes    int64         `json:"total_bytes"`
	Duration      time.Duration `json:"duration"`
	Errors        []string      `json:"errors,omitempty"`
}

// Syncer performs one-way incremental sync from a source to a target adapter.
type Syncer struct {
	source  storage.Adapter
	target  storage.Adapter
	options Options
	log     *logrus.Logger
}

// New creates a syncer for the given pair.
func New(source, target storage.Adapter, options Options) *Syncer {
	if options.ConflictStrategy == "" {
		options.ConflictStrategy = ConflictSource
	}
	if options.MaxConcurrent <= 0 {
		options.MaxConcurrent = 4
	}
	if options.Log == nil {
		options.Log = logrus.New()
	}
	return &Syncer{
		source:  source,
		target:  target,
		options: options,
		log:     options.Log,
	}
}

// Sync copies source keys to the target. Keys whose values already match are
// counted as unchanged and not rewritten.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	sourceKeys, err := s.source.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list source keys: %w", err)
	}
	targetKeys, err := s.target.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list target keys: %w", err)
	}

	targetSet := make(map[string]struct{}, len(targetKeys))
	for _, k := range targetKeys {
		targetSet[k] = struct{}{}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.options.MaxConcurrent)

	for _, key := range sourceKeys {
		key := key
		_, existsInTarget := targetSet[key]

		g.Go(func() error {
			value, err := s.source.GetItem(gctx, key)
			if err != nil {
				if storage.IsNotFound(err) {
					return nil
				}
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Sprintf("read %s: %v", key, err))
				mu.Unlock()
				return nil
			}

			if existsInTarget {
				current, err := s.target.GetItem(gctx, key)
				if err == nil && current == value {
					mu.Lock()
					result.UnchangedKeys++
					mu.Unlock()
					return nil
				}
				if err == nil && s.options.ConflictStrategy == ConflictTarget {
					mu.Lock()
					result.SkippedKeys++
					mu.Unlock()
					return nil
				}
			}

			if err := s.target.SetItem(gctx, key, value); err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, fmt.Sprintf("write %s: %v", key, err))
				mu.Unlock()
				return nil
			}

			mu.Lock()
			if existsInTarget {
				result.UpdatedKeys++
			} else {
				result.NewKeys++
			}
			result.TotalBytes += int64(len(value))
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if s.options.DeleteRemoved {
		sourceSet := make(map[string]struct{}, len(sourceKeys))
		for _, k := range sourceKeys {
			sourceSet[k] = struct{}{}
		}
		for _, key := range targetKeys {
			if _, ok := sourceSet[key]; ok {
				continue
			}
			if err := s.target.RemoveItem(ctx, key); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", key, err))
				continue
			}
			result.DeletedKeys++
		}
	}

	result.Duration = time.Since(start)

	s.log.WithFields(logrus.Fields{
		"source":    s.source.BackendName(),
		"target":    s.target.BackendName(),
		"new":       result.NewKeys,
		"updated":   result.UpdatedKeys,
		"deleted":   result.DeletedKeys,
		"unchanged": result.UnchangedKeys,
		"errors":    len(result.Errors),
	}).Info("sync run finished")

	return result, nil
}
