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

// Package deploybot holds the data model shared by every piece of the
// deployment coordinator's core: the job envelope, its five-state
// machine, and the read-only deployable catalog it is matched against.
package deploybot

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobId is an opaque, URL-safe job identifier.
type JobId string

// NewJobId mints a 21-char URL-safe id from a UUIDv4, matching the
// entropy budget spec.md asks for ("21-char URL-safe random is
// sufficient") without hand-rolling a CSPRNG wrapper.
func NewJobId() JobId {
	raw := uuid.New()
	enc := base64.RawURLEncoding.EncodeToString(raw[:])
	if len(enc) > 21 {
		enc = enc[:21]
	}
	return JobId(enc)
}

// State names the five buckets a Job can be indexed under.
type State string

const (
	StateInit     State = "init"
	StateApproved State = "approved"
	StateErrored  State = "errored"
	StatePoisoned State = "poisoned"
	StateDone     State = "done"
)

// PoisonThreshold is the inclusive attempt cap; a fifth failure (attempt
// count > PoisonThreshold) moves a job to Poisoned instead of Errored.
const PoisonThreshold = 4

// RetryBackoff is added to "now" to compute next_attempt on each failure.
const RetryBackoff = 10 * time.Second

// Command is the parsed slash-command that created a job.
type Command struct {
	App         string
	Environment string
	UserId      string
	WorkspaceId string
}

// DoneReason distinguishes a Done job that never failed from one that
// succeeded only after one or more retries.
type DoneReason string

const (
	SucceededFirstTry   DoneReason = "first_try"
	SucceededAfterRetry DoneReason = "after_retry"
)

// MsgId is an opaque (channel, timestamp) pair identifying a posted chat message.
type MsgId struct {
	Channel   string
	Timestamp string
}

// InitPayload is carried by a job in StateInit.
type InitPayload struct {
	MsgId      *MsgId
	ApprovedBy []Principal
}

// ApprovedPayload is carried by a job in StateApproved: the frozen Init snapshot.
type ApprovedPayload struct {
	Prior InitPayload
}

// ErroredPayload is carried by a job in StateErrored.
type ErroredPayload struct {
	Prior       ApprovedPayload
	PriorFailed *ErroredPayload // linked prior Errored attempt, if any
	NextAttempt time.Time
	Errors      []string
}

// PoisonedPayload is carried by a job in StatePoisoned: the frozen last Errored snapshot.
type PoisonedPayload struct {
	Prior ErroredPayload
}

// DonePayload is carried by a job in StateDone.
type DonePayload struct {
	Reason        DoneReason
	PriorApproved *ApprovedPayload // set when Reason == SucceededFirstTry
	PriorErrored  *ErroredPayload  // set when Reason == SucceededAfterRetry
}

// Job is the envelope every state shares. Exactly one of the *Payload
// fields is non-nil, matching the job's State.
type Job struct {
	Id        JobId
	Command   Command
	App       App
	State     State
	CreatedAt time.Time

	Init     *InitPayload
	Approved *ApprovedPayload
	Errored  *ErroredPayload
	Poisoned *PoisonedPayload
	Done     *DonePayload
}

// AttemptCount flattens an Errored chain's length (1 for a fresh
// Approved->Errored transition, growing by one per Errored->Errored link).
func (p *ErroredPayload) AttemptCount() int {
	n := 1
	for cur := p.PriorFailed; cur != nil; cur = cur.PriorFailed {
		n++
	}
	return n
}

// NormalizeName applies spec.md's case-insensitive, trimmed name
// matching, exported so callers (e.g. the catalog validator) can build
// their own duplicate-detection sets on top of it.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NamesMatch reports whether two configuration/command names refer to the
// same entity under spec.md's matching rule.
func NamesMatch(a, b string) bool {
	return NormalizeName(a) == NormalizeName(b)
}
