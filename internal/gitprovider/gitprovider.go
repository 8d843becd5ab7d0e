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

// Package gitprovider is the Git Repo Gateway of spec.md §4.1: it
// serializes every git invocation behind a single mutex and hands
// callers a repo-scoped context, the way experiment/cherrypicker's
// Server wraps prow/git.Client (Clone/Checkout/Config/Am/Push/Clean)
// around a single git binary, invoked here via os/exec rather than a
// pure-Go git library, following the teacher's precedent.
package gitprovider

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoBranchToUpdate is returned by RepoContext.UpdateBranch when no
// Switch call has recorded a current branch yet.
var ErrNoBranchToUpdate = errors.New("no branch to update: Switch was never called")

// CommandError wraps a failed git invocation with its combined stderr,
// matching spec.md §4.1's CommandFailed(combinedStderr) taxonomy entry.
type CommandError struct {
	Args   []string
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

// SpawnError wraps a failure to even launch the git binary, matching
// spec.md's CouldNotSpawn.
type SpawnError struct {
	Args []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("could not spawn git %s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Client serializes all git operations process-wide: only one
// RepoContext is ever live. HomeDir is where repo clones are kept.
type Client struct {
	mu      sync.Mutex
	HomeDir string

	identityConfigured bool
	userName           string
	userEmail          string

	// run executes git with args in dir, returning combined stdout+stderr.
	// Overridable in tests.
	run func(dir string, args ...string) (string, error)
}

// NewClient returns a Client rooted at homeDir, with default bot git
// identity userName/userEmail used on first acquisition.
func NewClient(homeDir, userName, userEmail string) *Client {
	return &Client{
		HomeDir:   homeDir,
		userName:  userName,
		userEmail: userEmail,
		run:       runGit,
	}
}

func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return string(out), &CommandError{Args: args, Stderr: string(out)}
		}
		return string(out), &SpawnError{Args: args, Err: err}
	}
	return string(out), nil
}

// alreadyExistsMsg is the message the git CLI emits when `clone` targets
// a non-empty destination, used to detect "reuse this clone" per
// spec.md §4.1.
const alreadyExistsMsg = "destination path already exists and is not an empty directory"

// AcquireRepo blocks until no other RepoContext is live, then ensures a
// clone of url exists under dirname (reusing one already there) and
// returns a RepoContext whose git commands all run with that clone as
// their working directory. The process's own working directory is not
// changed. On first-ever acquisition it also configures the global git
// identity if unset.
func (c *Client) AcquireRepo(url, dirname string) (*RepoContext, error) {
	c.mu.Lock()

	if !c.identityConfigured {
		if err := c.ensureIdentity(); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.identityConfigured = true
	}

	dir := filepath.Join(c.HomeDir, dirname)
	if _, err := os.Stat(filepath.Join(dir, ".git")); os.IsNotExist(err) {
		if _, cloneErr := c.run(c.HomeDir, "clone", url, dirname); cloneErr != nil {
			var cmdErr *CommandError
			if errors.As(cloneErr, &cmdErr) && strings.Contains(cmdErr.Stderr, alreadyExistsMsg) {
				logrus.WithField("dir", dir).Debug("reusing existing clone")
			} else {
				c.mu.Unlock()
				return nil, cloneErr
			}
		}
	}

	return &RepoContext{client: c, dir: dir, homeDir: c.HomeDir}, nil
}

func (c *Client) ensureIdentity() error {
	if _, err := c.run(c.HomeDir, "config", "--global", "user.email"); err != nil {
		if _, setErr := c.run(c.HomeDir, "config", "--global", "user.email", c.userEmail); setErr != nil {
			return setErr
		}
	}
	if _, err := c.run(c.HomeDir, "config", "--global", "user.name"); err != nil {
		if _, setErr := c.run(c.HomeDir, "config", "--global", "user.name", c.userName); setErr != nil {
			return setErr
		}
	}
	return nil
}

// RepoContext is a scoped, mutually-exclusive handle letting its holder
// run git operations inside one repository. Release must be called
// exactly once, conventionally via defer, mirroring
// experiment/cherrypicker's `defer func() { r.Clean() }()` idiom.
type RepoContext struct {
	client  *Client
	dir     string
	homeDir string

	currentBranch string
	released      bool
}

// FetchAll fetches every remote.
func (r *RepoContext) FetchAll() error {
	_, err := r.client.run(r.dir, "fetch", "--all")
	return err
}

// Switch checks out branch and records it as current on success.
func (r *RepoContext) Switch(branch string) error {
	if _, err := r.client.run(r.dir, "checkout", branch); err != nil {
		return err
	}
	r.currentBranch = branch
	return nil
}

// Branch is a fully-qualified remote-tracking branch, e.g. "origin/main".
type Branch string

// Upstream reads the configured remote for branch and forms
// "<remote>/<branch>".
func (r *RepoContext) Upstream(branch string) (Branch, error) {
	out, err := r.client.run(r.dir, "config", fmt.Sprintf("branch.%s.remote", branch))
	if err != nil {
		return "", err
	}
	remote := strings.TrimSpace(out)
	return Branch(remote + "/" + branch), nil
}

// UpdateBranch hard-resets the current branch to its upstream. Fails
// with ErrNoBranchToUpdate if no Switch preceded it.
func (r *RepoContext) UpdateBranch() error {
	if r.currentBranch == "" {
		return ErrNoBranchToUpdate
	}
	upstream, err := r.Upstream(r.currentBranch)
	if err != nil {
		return err
	}
	_, err = r.client.run(r.dir, "reset", "--hard", string(upstream))
	return err
}

// mergeCommitMessage is fixed, matching spec.md §4.1's "fixed commit message".
const mergeCommitMessage = "deploybot: merge for deployment"

// Merge merges target into the current branch with a fixed commit message.
func (r *RepoContext) Merge(target string) error {
	_, err := r.client.run(r.dir, "merge", "--no-edit", "-m", mergeCommitMessage, target)
	return err
}

// Push force-pushes the current branch with verification hooks disabled.
func (r *RepoContext) Push() error {
	if r.currentBranch == "" {
		return ErrNoBranchToUpdate
	}
	_, err := r.client.run(r.dir, "push", "--force", "--no-verify", "origin", r.currentBranch)
	return err
}

// Release frees the client's exclusivity lock; it does not change any
// working directory. Repeated calls are a no-op, to tolerate a defer
// alongside an explicit early release.
func (r *RepoContext) Release() {
	if r.released {
		return
	}
	r.released = true
	r.client.mu.Unlock()
}
