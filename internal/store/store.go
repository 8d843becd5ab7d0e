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

// Package store is the in-memory, thread-safe job database described in
// spec.md §4.2: five maps keyed by JobId, one per non-trivially-empty
// state, guarded by a single mutex that is released before the event
// bus dispatches the transition it produced.
package store

import (
	"sync"
	"time"

	deploybot "k8s.io/deploybot/internal/core"
	"k8s.io/deploybot/internal/eventbus"
	"k8s.io/deploybot/internal/metrics"
)

// nowFunc is overridden in tests.
var nowFunc = time.Now

// Store is the job database. The zero value is not usable; construct
// with New.
type Store struct {
	bus *eventbus.Bus

	mu       sync.Mutex
	init     map[deploybot.JobId]deploybot.Job
	approved map[deploybot.JobId]deploybot.Job
	errored  map[deploybot.JobId]deploybot.Job
	poisoned map[deploybot.JobId]deploybot.Job
	done     map[deploybot.JobId]deploybot.Job
}

// New returns an empty Store dispatching transitions on bus.
func New(bus *eventbus.Bus) *Store {
	return &Store{
		bus:      bus,
		init:     map[deploybot.JobId]deploybot.Job{},
		approved: map[deploybot.JobId]deploybot.Job{},
		errored:  map[deploybot.JobId]deploybot.Job{},
		poisoned: map[deploybot.JobId]deploybot.Job{},
		done:     map[deploybot.JobId]deploybot.Job{},
	}
}

// Create inserts a fresh job in StateInit and emits Created. A job is
// always created successfully; spec.md's "already in progress" rejection
// is the HTTP adapter's responsibility (it calls FindInProgress first).
func (s *Store) Create(app deploybot.App, cmd deploybot.Command) deploybot.Job {
	job := deploybot.Job{
		Id:        deploybot.NewJobId(),
		Command:   cmd,
		App:       app,
		State:     deploybot.StateInit,
		CreatedAt: nowFunc(),
		Init:      &deploybot.InitPayload{},
	}

	s.mu.Lock()
	s.init[job.Id] = job
	s.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(string(deploybot.StateInit)).Inc()
	s.bus.Dispatch(eventbus.Event{Kind: eventbus.Created, Job: job})
	return job
}

// Notified attaches a message id to an Init job. No-op (returns false) if
// the job is not currently in Init.
func (s *Store) Notified(id deploybot.JobId, msg deploybot.MsgId) bool {
	s.mu.Lock()
	job, ok := s.init[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	job.Init.MsgId = &msg
	s.init[id] = job
	s.mu.Unlock()
	return true
}

// Approved appends principal to an Init job's approved-by set if it is
// not already present, then emits Approved. No-op if the job is not
// currently in Init.
func (s *Store) Approved(id deploybot.JobId, principal deploybot.Principal) bool {
	s.mu.Lock()
	job, ok := s.init[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	already := false
	for _, p := range job.Init.ApprovedBy {
		if p.Key() == principal.Key() {
			already = true
			break
		}
	}
	if !already {
		job.Init.ApprovedBy = append(job.Init.ApprovedBy, principal)
		s.init[id] = job
	}
	s.mu.Unlock()

	s.bus.Dispatch(eventbus.Event{Kind: eventbus.Approved, Job: job, Principal: &principal})
	return true
}

// FullyApproved moves a job Init -> Approved and emits FullyApproved.
// No-op if the job is not currently in Init.
func (s *Store) FullyApproved(id deploybot.JobId) bool {
	s.mu.Lock()
	job, ok := s.init[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.init, id)
	job.State = deploybot.StateApproved
	prior := *job.Init
	job.Init = nil
	job.Approved = &deploybot.ApprovedPayload{Prior: prior}
	s.approved[id] = job
	s.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(string(deploybot.StateApproved)).Inc()
	metrics.ApprovalLatencySeconds.Observe(nowFunc().Sub(job.CreatedAt).Seconds())
	s.bus.Dispatch(eventbus.Event{Kind: eventbus.FullyApproved, Job: job})
	return true
}

// StateErrored moves a job Approved->Errored (fresh chain) or
// Errored->Errored (prior linked in). If the resulting attempt count
// exceeds deploybot.PoisonThreshold it re-transitions immediately to
// Poisoned and emits only Poisoned, per spec.md §4.2.
func (s *Store) StateErrored(id deploybot.JobId, errs []string) bool {
	s.mu.Lock()
	var job deploybot.Job
	var errored deploybot.ErroredPayload

	if prior, ok := s.approved[id]; ok {
		delete(s.approved, id)
		job = prior
		errored = deploybot.ErroredPayload{
			Prior:       *prior.Approved,
			NextAttempt: nowFunc().Add(deploybot.RetryBackoff),
			Errors:      errs,
		}
	} else if prior, ok := s.errored[id]; ok {
		delete(s.errored, id)
		job = prior
		priorFailed := *prior.Errored
		errored = deploybot.ErroredPayload{
			Prior:       prior.Errored.Prior,
			PriorFailed: &priorFailed,
			NextAttempt: nowFunc().Add(deploybot.RetryBackoff),
			Errors:      errs,
		}
	} else {
		s.mu.Unlock()
		return false
	}

	job.Approved = nil
	job.Errored = &errored

	if errored.AttemptCount() > deploybot.PoisonThreshold {
		job.State = deploybot.StatePoisoned
		job.Errored = nil
		job.Poisoned = &deploybot.PoisonedPayload{Prior: errored}
		s.poisoned[id] = job
		s.mu.Unlock()

		metrics.JobTransitions.WithLabelValues(string(deploybot.StatePoisoned)).Inc()
		s.bus.Dispatch(eventbus.Event{Kind: eventbus.Poisoned, Job: job})
		return true
	}

	job.State = deploybot.StateErrored
	s.errored[id] = job
	s.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(string(deploybot.StateErrored)).Inc()
	s.bus.Dispatch(eventbus.Event{Kind: eventbus.Errored, Job: job})
	return true
}

// StatePoisoned moves a job Errored -> Poisoned and emits Poisoned.
// No-op if the job is not currently in Errored.
func (s *Store) StatePoisoned(id deploybot.JobId) bool {
	s.mu.Lock()
	job, ok := s.errored[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.errored, id)
	prior := *job.Errored
	job.Errored = nil
	job.State = deploybot.StatePoisoned
	job.Poisoned = &deploybot.PoisonedPayload{Prior: prior}
	s.poisoned[id] = job
	s.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(string(deploybot.StatePoisoned)).Inc()
	s.bus.Dispatch(eventbus.Event{Kind: eventbus.Poisoned, Job: job})
	return true
}

// StateDone moves a job Approved->Done(SucceededFirstTry) or
// Errored->Done(SucceededAfterRetry) and emits Done.
func (s *Store) StateDone(id deploybot.JobId) bool {
	s.mu.Lock()
	var job deploybot.Job
	var done deploybot.DonePayload

	if prior, ok := s.approved[id]; ok {
		delete(s.approved, id)
		job = prior
		approved := *prior.Approved
		done = deploybot.DonePayload{Reason: deploybot.SucceededFirstTry, PriorApproved: &approved}
		job.Approved = nil
	} else if prior, ok := s.errored[id]; ok {
		delete(s.errored, id)
		job = prior
		errored := *prior.Errored
		done = deploybot.DonePayload{Reason: deploybot.SucceededAfterRetry, PriorErrored: &errored}
		job.Errored = nil
	} else {
		s.mu.Unlock()
		return false
	}

	job.State = deploybot.StateDone
	job.Done = &done
	s.done[id] = job
	s.mu.Unlock()

	metrics.JobTransitions.WithLabelValues(string(deploybot.StateDone)).Inc()
	s.bus.Dispatch(eventbus.Event{Kind: eventbus.Done, Job: job})
	return true
}

// Get returns the job regardless of which bucket it currently lives in.
func (s *Store) Get(id deploybot.JobId) (deploybot.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bucket := range s.buckets() {
		if job, ok := bucket[id]; ok {
			return job, true
		}
	}
	return deploybot.Job{}, false
}

// GetInit returns the job if it is currently in StateInit.
func (s *Store) GetInit(id deploybot.JobId) (deploybot.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.init[id]
	return job, ok
}

// GetApproved returns the job if it is currently in StateApproved.
func (s *Store) GetApproved(id deploybot.JobId) (deploybot.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.approved[id]
	return job, ok
}

// GetErrored returns the job if it is currently in StateErrored.
func (s *Store) GetErrored(id deploybot.JobId) (deploybot.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.errored[id]
	return job, ok
}

// GetAll returns a snapshot of every job across every state bucket.
func (s *Store) GetAll() []deploybot.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deploybot.Job
	for _, bucket := range s.buckets() {
		for _, job := range bucket {
			out = append(out, job)
		}
	}
	return out
}

// GetAllInit returns a snapshot of every job in StateInit.
func (s *Store) GetAllInit() []deploybot.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.init)
}

// GetAllApproved returns a snapshot of every job in StateApproved.
func (s *Store) GetAllApproved() []deploybot.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.approved)
}

// GetAllErrored returns a snapshot of every job in StateErrored.
func (s *Store) GetAllErrored() []deploybot.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.errored)
}

// GetAllPoisoned returns a snapshot of every job in StatePoisoned.
func (s *Store) GetAllPoisoned() []deploybot.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.poisoned)
}

// GetAllDone returns a snapshot of every job in StateDone.
func (s *Store) GetAllDone() []deploybot.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return values(s.done)
}

// FindInProgress returns the non-terminal job (any state other than Done
// or Poisoned) matching app/env within workspaceId, if any. Used by the
// HTTP adapter to implement spec.md §7/§8's JobAlreadyInProgress rule.
func (s *Store) FindInProgress(workspaceId, app, env string) (deploybot.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bucket := range []map[deploybot.JobId]deploybot.Job{s.init, s.approved, s.errored} {
		for _, job := range bucket {
			if job.Command.WorkspaceId == workspaceId &&
				deploybot.NamesMatch(job.Command.App, app) &&
				deploybot.NamesMatch(job.Command.Environment, env) {
				return job, true
			}
		}
	}
	return deploybot.Job{}, false
}

// SweepStaleInit removes Init jobs older than maxAge that never received
// a message id (send_job_created failed or never completed), resolving
// the orphaned-job risk spec.md §9 flags. Returns the ids removed.
func (s *Store) SweepStaleInit(maxAge time.Duration) []deploybot.JobId {
	cutoff := nowFunc().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []deploybot.JobId
	for id, job := range s.init {
		if job.Init.MsgId == nil && job.CreatedAt.Before(cutoff) {
			delete(s.init, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (s *Store) buckets() []map[deploybot.JobId]deploybot.Job {
	return []map[deploybot.JobId]deploybot.Job{s.init, s.approved, s.errored, s.poisoned, s.done}
}

func values(m map[deploybot.JobId]deploybot.Job) []deploybot.Job {
	out := make([]deploybot.Job, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
