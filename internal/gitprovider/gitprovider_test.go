package gitprovider

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRun records every invocation and lets tests script failures.
type fakeRun struct {
	mu    sync.Mutex
	calls [][]string
	fail  map[string]string // args-joined prefix -> stderr to fail with
}

func (f *fakeRun) do(dir string, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{}, args...))
	f.mu.Unlock()

	key := args[0]
	if stderr, ok := f.fail[key]; ok {
		return stderr, &CommandError{Args: args, Stderr: stderr}
	}
	if len(args) >= 2 && args[0] == "config" && args[1] == "branch.main.remote" {
		return "origin\n", nil
	}
	if len(args) >= 2 && args[0] == "config" && len(args) == 2 {
		// "git config branch.X.remote" read with no value configured yet
		return "", &CommandError{Args: args, Stderr: "error: key not found"}
	}
	return "", nil
}

func newTestClient(f *fakeRun) *Client {
	c := NewClient(t_TempDirPlaceholder, "bot", "bot@example.com")
	c.run = f.do
	return c
}

const t_TempDirPlaceholder = "/tmp/deploybot-git-test"

func TestAcquireRepoReusesExistingClone(t *testing.T) {
	f := &fakeRun{fail: map[string]string{"clone": alreadyExistsMsg}}
	c := newTestClient(f)

	ctx, err := c.AcquireRepo("git@example.com:foo/foo.git", "foo")
	require.NoError(t, err, "a destination-exists clone failure must be swallowed and treated as reuse")
	ctx.Release()
}

func TestAcquireRepoBlocksConcurrentCallers(t *testing.T) {
	f := &fakeRun{}
	c := newTestClient(f)

	ctx1, err := c.AcquireRepo("git@example.com:foo/foo.git", "foo")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		ctx2, err := c.AcquireRepo("git@example.com:bar/bar.git", "bar")
		require.NoError(t, err)
		close(acquired)
		ctx2.Release()
	}()

	select {
	case <-acquired:
		t.Fatal("second AcquireRepo returned before first was released")
	case <-time.After(50 * time.Millisecond):
	}

	ctx1.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second AcquireRepo never unblocked after release")
	}
}

func TestUpdateBranchFailsWithoutSwitch(t *testing.T) {
	f := &fakeRun{}
	c := newTestClient(f)
	ctx, err := c.AcquireRepo("git@example.com:foo/foo.git", "foo")
	require.NoError(t, err)
	defer ctx.Release()

	err = ctx.UpdateBranch()
	assert.ErrorIs(t, err, ErrNoBranchToUpdate)
}

func TestSwitchThenUpdateBranchResetsToUpstream(t *testing.T) {
	f := &fakeRun{}
	c := newTestClient(f)
	ctx, err := c.AcquireRepo("git@example.com:foo/foo.git", "foo")
	require.NoError(t, err)
	defer ctx.Release()

	require.NoError(t, ctx.Switch("main"))
	require.NoError(t, ctx.UpdateBranch())

	f.mu.Lock()
	defer f.mu.Unlock()
	var sawReset bool
	for _, call := range f.calls {
		if call[0] == "reset" {
			sawReset = true
			assert.Equal(t, []string{"reset", "--hard", "origin/main"}, call)
		}
	}
	assert.True(t, sawReset)
}

func TestMergeAndPushUseFixedMessageAndForce(t *testing.T) {
	f := &fakeRun{}
	c := newTestClient(f)
	ctx, err := c.AcquireRepo("git@example.com:foo/foo.git", "foo")
	require.NoError(t, err)
	defer ctx.Release()

	require.NoError(t, ctx.Switch("staging"))
	require.NoError(t, ctx.Merge("qa"))
	require.NoError(t, ctx.Push())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Contains(t, f.calls, []string{"merge", "--no-edit", "-m", mergeCommitMessage, "qa"})
	assert.Contains(t, f.calls, []string{"push", "--force", "--no-verify", "origin", "staging"})
}

func TestCommandFailedCarriesStderr(t *testing.T) {
	f := &fakeRun{fail: map[string]string{"fetch": "fatal: could not read from remote"}}
	c := newTestClient(f)
	ctx, err := c.AcquireRepo("git@example.com:foo/foo.git", "foo")
	require.NoError(t, err)
	defer ctx.Release()

	err = ctx.FetchAll()
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Stderr, "could not read from remote")
}
