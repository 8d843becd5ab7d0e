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

// Package coretest holds in-memory fakes of the core's external
// collaborator interfaces (deploybot.Messenger, deploybot.Groups,
// deploybot.Reader), grounded on
// ciongke/github/fakegithub/fakegithub.go's fake-client idiom: plain
// exported fields a test populates directly, linear-scan lookups, no
// mocking framework.
package coretest

import (
	"fmt"
	"sync"

	deploybot "k8s.io/deploybot/internal/core"
)

// FakeMessenger records every message it is asked to send. SentX fields
// are appended to in call order; FailX, if non-nil, is returned instead
// of sending (the caller logs it and moves on, per spec.md §4.6).
type FakeMessenger struct {
	mu sync.Mutex

	SentCreated  []deploybot.Job
	SentApproved []deploybot.Job
	SentFailed   []deploybot.Job
	SentDone     []deploybot.Job

	FailCreated  error
	FailApproved error
	FailFailed   error
	FailDone     error

	nextTimestamp int
}

func (f *FakeMessenger) nextMsgId() deploybot.MsgId {
	f.nextTimestamp++
	return deploybot.MsgId{Channel: "C-fake", Timestamp: fmt.Sprintf("%d", f.nextTimestamp)}
}

func (f *FakeMessenger) SendJobCreated(job deploybot.Job) (deploybot.MsgId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCreated != nil {
		return deploybot.MsgId{}, f.FailCreated
	}
	f.SentCreated = append(f.SentCreated, job)
	return f.nextMsgId(), nil
}

func (f *FakeMessenger) SendJobApproved(job deploybot.Job) (deploybot.MsgId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailApproved != nil {
		return deploybot.MsgId{}, f.FailApproved
	}
	f.SentApproved = append(f.SentApproved, job)
	return f.nextMsgId(), nil
}

func (f *FakeMessenger) SendJobFailed(job deploybot.Job) (deploybot.MsgId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailFailed != nil {
		return deploybot.MsgId{}, f.FailFailed
	}
	f.SentFailed = append(f.SentFailed, job)
	return f.nextMsgId(), nil
}

func (f *FakeMessenger) SendJobDone(job deploybot.Job) (deploybot.MsgId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDone != nil {
		return deploybot.MsgId{}, f.FailDone
	}
	f.SentDone = append(f.SentDone, job)
	return f.nextMsgId(), nil
}

// FakeGroups is a static, in-memory group roster: Members[groupId] lists
// the userIds belonging to that group.
type FakeGroups struct {
	Members map[string][]string

	// ExpandCalls/ContainsCalls count invocations, letting tests assert
	// group membership is resolved live rather than cached (spec.md §4.4).
	ExpandCalls   int
	ContainsCalls int
}

func (f *FakeGroups) ContainsUser(groupId, userId string) (bool, error) {
	f.ContainsCalls++
	for _, u := range f.Members[groupId] {
		if u == userId {
			return true, nil
		}
	}
	return false, nil
}

func (f *FakeGroups) Expand(groupId string) ([]string, error) {
	f.ExpandCalls++
	out := make([]string, len(f.Members[groupId]))
	copy(out, f.Members[groupId])
	return out, nil
}

// FakeReader is a static deployable catalog keyed by workspace.
type FakeReader struct {
	AppsByWorkspace map[string][]deploybot.App
}

func (f *FakeReader) Apps(workspaceId string) ([]deploybot.App, error) {
	return f.AppsByWorkspace[workspaceId], nil
}
