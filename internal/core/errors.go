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

import "fmt"

// CommandError is the taxonomy of command-validation failures spec.md
// §7 says are the only errors that leave the core. The HTTP adapter
// converts these to a user-visible ephemeral reply.
type CommandError struct {
	Kind     CommandErrorKind
	Existing *Job // set only for JobAlreadyInProgress
}

// CommandErrorKind enumerates the command-error taxonomy of spec.md §7.
type CommandErrorKind string

const (
	CommandNotRecognized CommandErrorKind = "command_not_recognized"
	CommandMalformed     CommandErrorKind = "command_malformed"
	AppNotFound          CommandErrorKind = "app_not_found"
	EnvNotFound          CommandErrorKind = "env_not_found"
	JobAlreadyInProgress CommandErrorKind = "job_already_in_progress"
)

func (e *CommandError) Error() string {
	switch e.Kind {
	case JobAlreadyInProgress:
		return fmt.Sprintf("a deployment of %q to %q is already in progress (job %s)",
			e.Existing.Command.App, e.Existing.Command.Environment, e.Existing.Id)
	default:
		return string(e.Kind)
	}
}
