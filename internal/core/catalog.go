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

// Principal is either a single user or a group. Exactly one of User/Group is non-nil.
type Principal struct {
	User  *UserPrincipal
	Group *GroupPrincipal
}

// UserPrincipal names a single chat-platform user.
type UserPrincipal struct {
	UserId   string
	Approver bool
}

// GroupPrincipal names a chat-platform group. Groups are always required
// for quorum regardless of MinApprovers (see DESIGN.md open question).
type GroupPrincipal struct {
	GroupId      string
	MinApprovers int
}

// Key returns a value usable to de-duplicate/compare principals.
func (p Principal) Key() string {
	if p.User != nil {
		return "user:" + p.User.UserId
	}
	if p.Group != nil {
		return "group:" + p.Group.GroupId
	}
	return ""
}

// Mergeable is one deploy environment within a Repo: a (base, target)
// branch pair, the principals whose approval it requires, and its
// display name as typed in a slash command.
type Mergeable struct {
	DisplayName string
	Base        string
	Target      string
	Principals  []Principal
}

// Repo is one source-control repository an App deploys through.
type Repo struct {
	SSHURL      string
	DisplayName string
	Mergeables  []Mergeable
}

// App is a logical deployable within a chat workspace.
type App struct {
	DisplayName     string
	WorkspaceId     string
	NotifyChannelId string
	Repos           []Repo
}

// FindMergeables returns, for every repo of the app, the Mergeable whose
// DisplayName matches env under spec.md's case-insensitive trimmed rule,
// paired with the repo it belongs to. A repo contributes nothing if none
// of its environments match.
func (a App) FindMergeables(env string) []RepoMergeable {
	var out []RepoMergeable
	for _, r := range a.Repos {
		for _, m := range r.Mergeables {
			if NamesMatch(m.DisplayName, env) {
				out = append(out, RepoMergeable{Repo: r, Mergeable: m})
			}
		}
	}
	return out
}

// RepoMergeable pairs a Repo with the one of its Mergeables matching a
// command's environment name.
type RepoMergeable struct {
	Repo      Repo
	Mergeable Mergeable
}

// Reader is the read-only deployable-configuration collaborator (external
// to the core, per spec.md 2/6): it returns the static catalog of apps
// for a workspace.
type Reader interface {
	Apps(workspaceId string) ([]App, error)
}

// FindApp looks up an app by name within a workspace using spec.md's
// case-insensitive trimmed matching.
func FindApp(apps []App, name string) (App, bool) {
	for _, a := range apps {
		if NamesMatch(a.DisplayName, name) {
			return a, true
		}
	}
	return App{}, false
}
