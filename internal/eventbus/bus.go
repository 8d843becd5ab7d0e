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

// Package eventbus is the process-wide, synchronous fan-out of job
// state-transition events described in spec.md §4.3. Listeners are
// invoked in registration order on the calling goroutine, after the
// store lock that produced the event has already been released, so a
// listener may freely re-enter the store.
package eventbus

import (
	"github.com/sirupsen/logrus"

	deploybot "k8s.io/deploybot/internal/core"
)

// Kind names the six transition events spec.md §4.3 defines.
type Kind string

const (
	Created       Kind = "created"
	Approved      Kind = "approved"
	FullyApproved Kind = "fully_approved"
	Errored       Kind = "errored"
	Poisoned      Kind = "poisoned"
	Done          Kind = "done"
)

// Event carries the job snapshot the transition produced, plus the
// reacting principal for Approved events.
type Event struct {
	Kind      Kind
	Job       deploybot.Job
	Principal *deploybot.Principal // set only for Kind == Approved
}

// Listener is a function value invoked synchronously for every event.
type Listener func(Event)

// Bus is an append-only list of Listeners dispatched in registration
// order. It holds no lock: Attach is not synchronized with other Attach
// calls or with Dispatch.
type Bus struct {
	listeners []Listener
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Attach appends a listener. Not order-sensitive per spec.md §4.2, but
// Dispatch always runs listeners in the order they were attached.
func (b *Bus) Attach(l Listener) {
	b.listeners = append(b.listeners, l)
}

// Dispatch invokes every attached listener with ev, in registration
// order, on the calling goroutine. A listener that panics is isolated:
// it is logged and does not prevent subsequent listeners from running.
func (b *Bus) Dispatch(ev Event) {
	for i, l := range b.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("listener_index", i).
						WithField("event_kind", ev.Kind).
						Errorf("event listener panicked: %v", r)
				}
			}()
			l(ev)
		}()
	}
}
