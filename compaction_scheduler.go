// Copyright 2024 The Hummock Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package hummock

import (
	"context"
	"time"

	"github.com/hummockdb/hummock/internal/base"
	"golang.org/x/sync/errgroup"
)

// Scheduler drives background compaction: it sweeps compaction groups
// with a fixed set of selectors, either on a commit trigger or on a
// periodic tick, and hands picked tasks to the dispatch function, which
// delivers them to external compactors. Selector calls are serialized;
// dispatch runs concurrently.
type Scheduler struct {
	manager   *Manager
	selectors []Selector
	dispatch  func(context.Context, *CompactionTask) error
	interval  time.Duration
	logger    base.Logger
}

// NewScheduler returns a scheduler sweeping with the given selectors.
func NewScheduler(
	m *Manager,
	dispatch func(context.Context, *CompactionTask) error,
	selectors ...Selector,
) *Scheduler {
	return &Scheduler{
		manager:   m,
		selectors: selectors,
		dispatch:  dispatch,
		interval:  30 * time.Second,
		logger:    m.logger,
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case g := <-s.manager.compaction.triggers:
			s.sweep(ctx, []base.CompactionGroupID{g})
		case <-ticker.C:
			s.sweep(ctx, s.manager.CurrentVersion().GroupIDs())
		}
	}
}

// sweep picks at most one task per (group, selector) pair and dispatches
// the picked tasks concurrently. A group with nothing eligible is simply
// skipped this cycle.
func (s *Scheduler) sweep(ctx context.Context, groups []base.CompactionGroupID) {
	var tasks []*CompactionTask
	for _, g := range groups {
		for _, sel := range s.selectors {
			task, err := s.manager.PickCompaction(sel, g)
			if err != nil {
				s.logger.Errorf("hummock: picking %s for group %d: %v", sel.Name(), g, err)
				continue
			}
			if task != nil {
				tasks = append(tasks, task)
			}
		}
	}
	if len(tasks) == 0 {
		return
	}

	var eg errgroup.Group
	eg.SetLimit(len(tasks))
	for _, task := range tasks {
		eg.Go(func() error {
			if err := s.dispatch(ctx, task); err != nil {
				s.logger.Errorf("hummock: dispatching task %d: %v", task.ID, err)
				// The claim must not leak when the task never reaches a
				// compactor.
				if _, rerr := s.manager.ReportCompactTask(task.ID, TaskCanceled, nil); rerr != nil {
					s.logger.Errorf("hummock: canceling task %d: %v", task.ID, rerr)
				}
			}
			return nil
		})
	}
	_ = eg.Wait()
}
