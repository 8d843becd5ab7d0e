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

package deploybot

// Messenger is the chat-platform I/O collaborator (external to the
// core, per spec.md 2/6). Implementations post messages and reply in
// thread; errors are recorded/logged by callers, never fatal to a
// state transition.
type Messenger interface {
	SendJobCreated(job Job) (MsgId, error)
	SendJobApproved(job Job) (MsgId, error)
	SendJobFailed(job Job) (MsgId, error)
	SendJobDone(job Job) (MsgId, error)
}

// Groups is the chat-platform group-expansion collaborator (external to
// the core). Group membership is resolved at decision time, never cached
// by the core itself.
type Groups interface {
	ContainsUser(groupId, userId string) (bool, error)
	Expand(groupId string) ([]string, error)
}
