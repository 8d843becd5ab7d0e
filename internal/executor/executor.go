/*
Copyright 2016 The Kubernetes Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package executor is the single-worker retry executor of spec.md §4.5:
// one background goroutine consuming a priority queue of (New|Retry)
// work items ordered by earliest ready-time, performing the per-repo
// merge pipeline through the Git Repo Gateway. Grounded on
// experiment/cherrypicker/server.go's clone/checkout/am/push pipeline
// shape and its time.After/time.Tick poll-with-timeout idiom
// (generalized here to a condition variable, since retries are driven
// by pushes, not polling).
package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	deploybot "k8s.io/deploybot/internal/core"
	"k8s.io/deploybot/internal/gitprovider"
	"k8s.io/deploybot/internal/metrics"
	"k8s.io/deploybot/internal/store"
)

// ItemKind distinguishes a freshly-approved job from a job being retried.
type ItemKind string

const (
	New   ItemKind = "new"
	Retry ItemKind = "retry"
)

// WorkItem is one unit the worker may pick up.
type WorkItem struct {
	Kind ItemKind
	Job  deploybot.Job
}

// readyAt returns when item becomes eligible to run: immediately for
// New, or job.Errored.NextAttempt for Retry.
func (w WorkItem) readyAt() time.Time {
	if w.Kind == New {
		return time.Time{} // zero value: always ready
	}
	return w.Job.Errored.NextAttempt
}

// RepoAcquirer is the subset of *gitprovider.Client the executor needs,
// narrowed to an interface so tests can substitute a fake without
// spawning real git subprocesses.
type RepoAcquirer interface {
	AcquireRepo(url, dirname string) (RepoHandle, error)
}

// RepoHandle is the subset of *gitprovider.RepoContext the executor
// drives through the merge pipeline.
type RepoHandle interface {
	FetchAll() error
	Switch(branch string) error
	UpdateBranch() error
	Merge(target string) error
	Push() error
	Release()
}

// gitAdapter makes *gitprovider.Client satisfy RepoAcquirer: Go requires
// an explicit wrapper here because AcquireRepo's concrete return type
// (*gitprovider.RepoContext) differs from the RepoHandle interface type.
type gitAdapter struct{ client *gitprovider.Client }

// WrapGitClient adapts a real gitprovider.Client for use by a Worker.
func WrapGitClient(c *gitprovider.Client) RepoAcquirer {
	return gitAdapter{client: c}
}

func (a gitAdapter) AcquireRepo(url, dirname string) (RepoHandle, error) {
	return a.client.AcquireRepo(url, dirname)
}

// Worker is the single background goroutine described in spec.md §4.5.
// Known limitation, preserved per spec.md: while sleeping before a
// retry, newly pushed New items are NOT picked up — the worker only
// re-evaluates the queue after it wakes.
type Worker struct {
	store *store.Store
	git   RepoAcquirer
	log   *logrus.Entry

	mu      sync.Mutex
	cond    *sync.Cond
	items   []WorkItem
	barrier chan struct{}

	now func() time.Time
}

// NewWorker returns a Worker. Call Run in its own goroutine, then Release
// once startup (hook attachment) is complete; Schedule may be called any
// time but the worker will not act on anything until Release.
func NewWorker(st *store.Store, git RepoAcquirer, log *logrus.Entry) *Worker {
	w := &Worker{
		store:   st,
		git:     git,
		log:     log,
		barrier: make(chan struct{}),
		now:     time.Now,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Release unblocks the startup barrier, letting Run begin consuming the
// queue. Safe to call exactly once.
func (w *Worker) Release() {
	close(w.barrier)
}

// Schedule pushes a New work item for job and wakes the worker.
func (w *Worker) Schedule(job deploybot.Job) {
	w.push(WorkItem{Kind: New, Job: job})
}

// scheduleRetry pushes a Retry work item for job and wakes the worker.
func (w *Worker) scheduleRetry(job deploybot.Job) {
	w.push(WorkItem{Kind: Retry, Job: job})
}

func (w *Worker) push(item WorkItem) {
	w.mu.Lock()
	w.items = append(w.items, item)
	depth := len(w.items)
	w.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))
	w.cond.Signal()
}

// Run blocks forever, consuming work items in earliest-ready-time order.
// It must run in its own goroutine.
func (w *Worker) Run() {
	<-w.barrier

	for {
		item, ok := w.dequeueEarliest()
		if !ok {
			continue
		}
		wait := item.readyAt().Sub(w.now())
		if wait > 0 {
			time.Sleep(wait)
		}
		w.execute(item.Job)
	}
}

// dequeueEarliest blocks until the queue is non-empty, then removes and
// returns the item with the smallest ready-time. Equal ready-times are
// resolved arbitrarily, per spec.md §5 ("FIFO is NOT guaranteed").
func (w *Worker) dequeueEarliest() (WorkItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(w.items) == 0 {
		w.cond.Wait()
	}

	bestIdx := 0
	best := w.items[0].readyAt()
	for i, it := range w.items[1:] {
		if it.readyAt().Before(best) {
			bestIdx = i + 1
			best = it.readyAt()
		}
	}
	item := w.items[bestIdx]
	w.items = append(w.items[:bestIdx], w.items[bestIdx+1:]...)
	metrics.QueueDepth.Set(float64(len(w.items)))
	return item, true
}

// execute runs the per-repo merge pipeline of spec.md §4.5 for job and
// records the outcome on the store.
func (w *Worker) execute(job deploybot.Job) {
	l := w.log.WithField("job_id", string(job.Id))
	var errs []string

	for _, rm := range job.App.FindMergeables(job.Command.Environment) {
		if err := w.executeOneRepo(l, rm); err != nil {
			l.WithError(err).WithField("repo", rm.Repo.DisplayName).Warn("repo merge failed")
			errs = append(errs, fmt.Sprintf("%s: %v", rm.Repo.DisplayName, err))
		}
	}

	if len(errs) == 0 {
		w.store.StateDone(job.Id)
		return
	}

	if w.store.StateErrored(job.Id, errs) {
		if fresh, ok := w.store.GetErrored(job.Id); ok {
			w.scheduleRetry(fresh)
		}
		// If the job is not in Errored after StateErrored returns true, it
		// was poisoned instead (spec.md §4.2) and needs no re-queue.
	}
}

// executeOneRepo runs steps 1-7 of spec.md §4.5 for a single repo,
// always releasing the RepoContext before returning.
func (w *Worker) executeOneRepo(l *logrus.Entry, rm deploybot.RepoMergeable) error {
	dirname := sanitizeDirname(rm.Repo.DisplayName)
	ctx, err := w.git.AcquireRepo(rm.Repo.SSHURL, dirname)
	if err != nil {
		return err
	}
	defer ctx.Release()

	if err := ctx.FetchAll(); err != nil {
		return err
	}
	if err := ctx.Switch(rm.Mergeable.Base); err != nil {
		return err
	}
	if err := ctx.UpdateBranch(); err != nil {
		return err
	}
	if err := ctx.Switch(rm.Mergeable.Target); err != nil {
		return err
	}
	if err := ctx.UpdateBranch(); err != nil {
		return err
	}
	if err := ctx.Merge(rm.Mergeable.Base); err != nil {
		return err
	}
	return ctx.Push()
}

func sanitizeDirname(displayName string) string {
	out := make([]rune, 0, len(displayName))
	for _, r := range displayName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
