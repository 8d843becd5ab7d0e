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

// Package approval is the algorithm spec.md §4.4 describes: not a
// separate service, but the outstanding-approvers computation the HTTP
// adapter runs on a reaction and the predicate the on-approved hook
// uses to decide quorum. Grounded on mungers/approval-handler.go's
// approver-set-from-comments algorithm, adapted from "commented
// /approve" to "reacted +1" and from per-file OWNERS to per-environment
// principal rosters.
package approval

import (
	deploybot "k8s.io/deploybot/internal/core"
)

// Engine computes outstanding approvers and matches reactors against
// them. It is stateless; Groups is consulted at decision time, never
// cached, per spec.md §4.4.
type Engine struct {
	Groups deploybot.Groups
}

// New returns an Engine backed by groups.
func New(groups deploybot.Groups) *Engine {
	return &Engine{Groups: groups}
}

// Outstanding enumerates the principals still required before job (in
// StateInit) reaches quorum: every principal listed across the job's app
// repos whose environment name matches job.Command.Environment
// (case-insensitive, trimmed), de-duplicated, minus principals already
// in job.Init.ApprovedBy. Single users are retained only if Approver is
// true; groups are always retained.
func (e *Engine) Outstanding(job deploybot.Job) []deploybot.Principal {
	seen := map[string]deploybot.Principal{}
	for _, rm := range job.App.FindMergeables(job.Command.Environment) {
		for _, p := range rm.Mergeable.Principals {
			if p.User != nil && !p.User.Approver {
				continue
			}
			seen[p.Key()] = p
		}
	}

	if job.Init != nil {
		for _, approved := range job.Init.ApprovedBy {
			delete(seen, approved.Key())
		}
	}

	out := make([]deploybot.Principal, 0, len(seen))
	for _, p := range seen {
		out = append(out, p)
	}
	return out
}

// FullyApproved reports whether job's outstanding-approvers set is empty.
func (e *Engine) FullyApproved(job deploybot.Job) bool {
	return len(e.Outstanding(job)) == 0
}

// Matches reports whether userId satisfies principal: a direct id match
// for a single user, or live group membership (never cached) for a group.
func (e *Engine) Matches(principal deploybot.Principal, userId string) (bool, error) {
	if principal.User != nil {
		return principal.User.UserId == userId, nil
	}
	if principal.Group != nil {
		return e.Groups.ContainsUser(principal.Group.GroupId, userId)
	}
	return false, nil
}

// MatchingOutstanding returns the outstanding principal (if any) that
// userId's reaction satisfies, checking groups against the chat
// platform at decision time. It stops at the first match.
func (e *Engine) MatchingOutstanding(job deploybot.Job, userId string) (deploybot.Principal, bool, error) {
	for _, p := range e.Outstanding(job) {
		ok, err := e.Matches(p, userId)
		if err != nil {
			return deploybot.Principal{}, false, err
		}
		if ok {
			return p, true, nil
		}
	}
	return deploybot.Principal{}, false, nil
}
