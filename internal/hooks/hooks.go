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

// Package hooks wires the fixed eight-listener set of spec.md §4.6 onto
// an eventbus.Bus, mirroring ciongke/cmd/hook's event-to-handler
// dispatch table but registered in-process rather than over a webhook
// channel.
package hooks

import (
	"github.com/sirupsen/logrus"

	"k8s.io/deploybot/internal/approval"
	deploybot "k8s.io/deploybot/internal/core"
	"k8s.io/deploybot/internal/eventbus"
	"k8s.io/deploybot/internal/executor"
	"k8s.io/deploybot/internal/store"
)

// Register attaches the eight listeners to bus, in the exact order
// spec.md §4.6 lists them. Must be called before worker.Release, so
// that FullyApproved-driven scheduling is wired before the executor
// starts consuming its queue.
func Register(bus *eventbus.Bus, st *store.Store, messenger deploybot.Messenger, eng *approval.Engine, worker *executor.Worker, log *logrus.Entry) {
	bus.Attach(onCreateNotify(st, messenger, log))
	bus.Attach(onApprovedCheckQuorum(st, eng))
	bus.Attach(onFullApprovalNotify(messenger, log))
	bus.Attach(onFullApprovalSchedule(worker))
	bus.Attach(onFailureLog(log))
	bus.Attach(onFailurePoison(st))
	bus.Attach(onPoisonNotify(messenger, log))
	bus.Attach(onDoneNotify(messenger, log))
}

// onCreateNotify posts the initial approval-request message and records
// its id so reactions can be threaded to it.
func onCreateNotify(st *store.Store, messenger deploybot.Messenger, log *logrus.Entry) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.Created {
			return
		}
		msgId, err := messenger.SendJobCreated(ev.Job)
		if err != nil {
			log.WithError(err).WithField("job_id", string(ev.Job.Id)).Warn("send_job_created failed")
			return
		}
		st.Notified(ev.Job.Id, msgId)
	}
}

// onApprovedCheckQuorum re-evaluates quorum after every individual
// approval. It must run the resulting FullyApproved transition off the
// dispatching goroutine: Dispatch is still iterating this job's
// Approved event's remaining listeners, and FullyApproved would
// otherwise try to re-enter the bus from inside itself.
func onApprovedCheckQuorum(st *store.Store, eng *approval.Engine) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.Approved {
			return
		}
		if !eng.FullyApproved(ev.Job) {
			return
		}
		go st.FullyApproved(ev.Job.Id)
	}
}

// onFullApprovalNotify tells the channel a job has cleared quorum and
// is about to run.
func onFullApprovalNotify(messenger deploybot.Messenger, log *logrus.Entry) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.FullyApproved {
			return
		}
		if _, err := messenger.SendJobApproved(ev.Job); err != nil {
			log.WithError(err).WithField("job_id", string(ev.Job.Id)).Warn("send_job_approved failed")
		}
	}
}

// onFullApprovalSchedule hands a fully-approved job to the executor.
func onFullApprovalSchedule(worker *executor.Worker) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.FullyApproved {
			return
		}
		worker.Schedule(ev.Job)
	}
}

// onFailureLog records a failed attempt for observability only.
func onFailureLog(log *logrus.Entry) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.Errored {
			return
		}
		log.WithField("job_id", string(ev.Job.Id)).
			WithField("attempt", ev.Job.Errored.AttemptCount()).
			WithField("errors", ev.Job.Errored.Errors).
			Warn("deployment attempt failed")
	}
}

// onFailurePoison is redundant with the poison check StateErrored
// already runs inline (spec.md §9) but kept as a second line of
// defense matching the spec's literal listener set.
func onFailurePoison(st *store.Store) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.Errored {
			return
		}
		if ev.Job.Errored.AttemptCount() > deploybot.PoisonThreshold {
			go st.StatePoisoned(ev.Job.Id)
		}
	}
}

// onPoisonNotify tells the channel a job has given up retrying.
func onPoisonNotify(messenger deploybot.Messenger, log *logrus.Entry) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.Poisoned {
			return
		}
		if _, err := messenger.SendJobFailed(ev.Job); err != nil {
			log.WithError(err).WithField("job_id", string(ev.Job.Id)).Warn("send_job_failed failed")
		}
	}
}

// onDoneNotify tells the channel a job finished successfully.
func onDoneNotify(messenger deploybot.Messenger, log *logrus.Entry) eventbus.Listener {
	return func(ev eventbus.Event) {
		if ev.Kind != eventbus.Done {
			return
		}
		if _, err := messenger.SendJobDone(ev.Job); err != nil {
			log.WithError(err).WithField("job_id", string(ev.Job.Id)).Warn("send_job_done failed")
		}
	}
}
