package executor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deploybot "k8s.io/deploybot/internal/core"
	"k8s.io/deploybot/internal/eventbus"
	"k8s.io/deploybot/internal/store"
)

// fakeRepoHandle records the sequence of calls the pipeline makes and
// can be scripted to fail at a named step.
type fakeRepoHandle struct {
	repo   string
	calls  *[]string
	failAt string
	mu     *sync.Mutex
}

func (f *fakeRepoHandle) record(step string) error {
	f.mu.Lock()
	*f.calls = append(*f.calls, f.repo+":"+step)
	f.mu.Unlock()
	if f.failAt == step {
		return fmt.Errorf("%s failed", step)
	}
	return nil
}

func (f *fakeRepoHandle) FetchAll() error           { return f.record("fetchAll") }
func (f *fakeRepoHandle) Switch(b string) error     { return f.record("switch(" + b + ")") }
func (f *fakeRepoHandle) UpdateBranch() error        { return f.record("updateBranch") }
func (f *fakeRepoHandle) Merge(target string) error { return f.record("merge(" + target + ")") }
func (f *fakeRepoHandle) Push() error                { return f.record("push") }
func (f *fakeRepoHandle) Release()                   { f.record("release") }

type fakeGit struct {
	mu       sync.Mutex
	calls    []string
	failAt   map[string]string // repo dirname -> step to fail at
	attempts map[string]int
}

func (g *fakeGit) AcquireRepo(url, dirname string) (RepoHandle, error) {
	g.mu.Lock()
	g.attempts[dirname]++
	n := g.attempts[dirname]
	g.mu.Unlock()

	failAt := g.failAt[dirname]
	if failAt == "attempt1-only" {
		if n == 1 {
			failAt = "push"
		} else {
			failAt = ""
		}
	}
	return &fakeRepoHandle{repo: dirname, calls: &g.calls, failAt: failAt, mu: &g.mu}, nil
}

func testLog() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func testApp() deploybot.App {
	return deploybot.App{
		Repos: []deploybot.Repo{{
			SSHURL:      "git@example.com:foo/r.git",
			DisplayName: "r",
			Mergeables: []deploybot.Mergeable{{
				DisplayName: "staging",
				Base:        "qa",
				Target:      "staging",
			}},
		}},
	}
}

func approvedJob(st *store.Store) deploybot.Job {
	job := st.Create(testApp(), deploybot.Command{App: "foo", Environment: "staging", WorkspaceId: "T1"})
	st.FullyApproved(job.Id)
	approved, _ := st.GetApproved(job.Id)
	return approved
}

// S1 from spec.md §8: happy path executes the full pipeline in order
// and reaches Done.
func TestExecuteHappyPathReachesDone(t *testing.T) {
	git := &fakeGit{failAt: map[string]string{}, attempts: map[string]int{}}
	st := store.New(eventbus.New())
	w := NewWorker(st, git, testLog())
	w.Release()
	go w.Run()

	job := approvedJob(st)
	w.Schedule(job)

	require.Eventually(t, func() bool {
		j, ok := st.Get(job.Id)
		return ok && j.State == deploybot.StateDone
	}, time.Second, time.Millisecond)

	expected := []string{"r:fetchAll", "r:switch(qa)", "r:updateBranch", "r:switch(staging)", "r:updateBranch", "r:merge(qa)", "r:push", "r:release"}
	git.mu.Lock()
	defer git.mu.Unlock()
	assert.Equal(t, expected, git.calls)
}

// S4 from spec.md §8: a failed first attempt retries and succeeds.
func TestExecuteRetryThenSucceeds(t *testing.T) {
	git := &fakeGit{failAt: map[string]string{"r": "attempt1-only"}, attempts: map[string]int{}}
	st := store.New(eventbus.New())
	w := NewWorker(st, git, testLog())
	w.now = func() time.Time { return time.Now() }
	w.Release()
	go w.Run()

	job := approvedJob(st)
	w.Schedule(job)

	require.Eventually(t, func() bool {
		j, ok := st.Get(job.Id)
		return ok && j.State == deploybot.StateErrored
	}, time.Second, time.Millisecond)

	j, _ := st.Get(job.Id)
	assert.Equal(t, 1, j.Errored.AttemptCount())

	// deploybot.RetryBackoff (10s) must elapse before the retry fires.
	require.Eventually(t, func() bool {
		j, ok := st.Get(job.Id)
		return ok && j.State == deploybot.StateDone
	}, 15*time.Second, 20*time.Millisecond)

	j, _ = st.Get(job.Id)
	assert.Equal(t, deploybot.SucceededAfterRetry, j.Done.Reason)
}

// Per spec.md §8, errors from every repo are collected; a failure in one
// repo does not short-circuit the others.
func TestExecuteAccumulatesErrorsAcrossRepos(t *testing.T) {
	app := deploybot.App{Repos: []deploybot.Repo{
		{SSHURL: "git@example.com:foo/a.git", DisplayName: "a", Mergeables: []deploybot.Mergeable{{DisplayName: "staging", Base: "qa", Target: "staging"}}},
		{SSHURL: "git@example.com:foo/b.git", DisplayName: "b", Mergeables: []deploybot.Mergeable{{DisplayName: "staging", Base: "qa", Target: "staging"}}},
	}}
	git := &fakeGit{failAt: map[string]string{"a": "push"}, attempts: map[string]int{}}
	st := store.New(eventbus.New())
	w := NewWorker(st, git, testLog())
	w.Release()
	go w.Run()

	job := st.Create(app, deploybot.Command{App: "foo", Environment: "staging", WorkspaceId: "T1"})
	st.FullyApproved(job.Id)
	approved, _ := st.GetApproved(job.Id)
	w.Schedule(approved)

	require.Eventually(t, func() bool {
		j, ok := st.Get(job.Id)
		return ok && j.State == deploybot.StateErrored
	}, time.Second, time.Millisecond)

	git.mu.Lock()
	var sawBPush bool
	for _, c := range git.calls {
		if c == "b:push" {
			sawBPush = true
		}
	}
	git.mu.Unlock()
	assert.True(t, sawBPush, "repo b must still be attempted after repo a fails")
}

func TestDequeueEarliestPrefersSmallestReadyTime(t *testing.T) {
	w := &Worker{now: time.Now}
	w.cond = sync.NewCond(&w.mu)

	later := deploybot.Job{Id: "late", Errored: &deploybot.ErroredPayload{NextAttempt: time.Now().Add(time.Hour)}}
	sooner := deploybot.Job{Id: "soon", Errored: &deploybot.ErroredPayload{NextAttempt: time.Now().Add(time.Minute)}}
	w.items = []WorkItem{{Kind: Retry, Job: later}, {Kind: Retry, Job: sooner}}

	item, ok := w.dequeueEarliest()
	require.True(t, ok)
	assert.Equal(t, deploybot.JobId("soon"), item.Job.Id)
}

func TestNewItemsAlwaysReadyBeforeRetries(t *testing.T) {
	w := &Worker{now: time.Now}
	w.cond = sync.NewCond(&w.mu)

	retry := deploybot.Job{Id: "retry", Errored: &deploybot.ErroredPayload{NextAttempt: time.Now().Add(time.Minute)}}
	fresh := deploybot.Job{Id: "fresh"}
	w.items = []WorkItem{{Kind: Retry, Job: retry}, {Kind: New, Job: fresh}}

	item, ok := w.dequeueEarliest()
	require.True(t, ok)
	assert.Equal(t, deploybot.JobId("fresh"), item.Job.Id)
}
