package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deploybot "k8s.io/deploybot/internal/core"
	"k8s.io/deploybot/internal/eventbus"
)

func testApp() deploybot.App {
	return deploybot.App{
		DisplayName: "foo",
		WorkspaceId: "T1",
		Repos: []deploybot.Repo{{
			SSHURL:      "git@example.com:foo/foo.git",
			DisplayName: "r",
			Mergeables: []deploybot.Mergeable{{
				DisplayName: "staging",
				Base:        "qa",
				Target:      "staging",
			}},
		}},
	}
}

func testCmd() deploybot.Command {
	return deploybot.Command{App: "foo", Environment: "staging", UserId: "U1", WorkspaceId: "T1"}
}

func TestCreateEmitsCreatedAndIndexesInInit(t *testing.T) {
	bus := eventbus.New()
	var gotKind eventbus.Kind
	bus.Attach(func(e eventbus.Event) { gotKind = e.Kind })

	s := New(bus)
	job := s.Create(testApp(), testCmd())

	assert.Equal(t, deploybot.StateInit, job.State)
	assert.Equal(t, eventbus.Created, gotKind)

	got, ok := s.GetInit(job.Id)
	require.True(t, ok)
	assert.Equal(t, job.Id, got.Id)
}

func TestApprovedDoesNotDuplicatePrincipal(t *testing.T) {
	s := New(eventbus.New())
	job := s.Create(testApp(), testCmd())
	p := deploybot.Principal{User: &deploybot.UserPrincipal{UserId: "U1", Approver: true}}

	assert.True(t, s.Approved(job.Id, p))
	assert.True(t, s.Approved(job.Id, p))

	got, _ := s.GetInit(job.Id)
	assert.Len(t, got.Init.ApprovedBy, 1)
}

func TestApprovedNoopOutsideInit(t *testing.T) {
	s := New(eventbus.New())
	job := s.Create(testApp(), testCmd())
	require.True(t, s.FullyApproved(job.Id))

	p := deploybot.Principal{User: &deploybot.UserPrincipal{UserId: "U1", Approver: true}}
	assert.False(t, s.Approved(job.Id, p))
}

func TestFullyApprovedMovesInitToApproved(t *testing.T) {
	bus := eventbus.New()
	var kinds []eventbus.Kind
	bus.Attach(func(e eventbus.Event) { kinds = append(kinds, e.Kind) })
	s := New(bus)

	job := s.Create(testApp(), testCmd())
	require.True(t, s.FullyApproved(job.Id))

	_, ok := s.GetInit(job.Id)
	assert.False(t, ok)
	got, ok := s.GetApproved(job.Id)
	require.True(t, ok)
	assert.Equal(t, deploybot.StateApproved, got.State)
	assert.Equal(t, []eventbus.Kind{eventbus.Created, eventbus.FullyApproved}, kinds)
}

func TestStateErroredFreshChainThenRetrySucceeds(t *testing.T) {
	s := New(eventbus.New())
	job := s.Create(testApp(), testCmd())
	require.True(t, s.FullyApproved(job.Id))

	require.True(t, s.StateErrored(job.Id, []string{"boom"}))
	errored, ok := s.GetErrored(job.Id)
	require.True(t, ok)
	assert.Equal(t, 1, errored.Errored.AttemptCount())
	assert.True(t, errored.Errored.NextAttempt.After(errored.CreatedAt))

	require.True(t, s.StateDone(job.Id))
	done, ok := s.Get(job.Id)
	require.True(t, ok)
	assert.Equal(t, deploybot.StateDone, done.State)
	assert.Equal(t, deploybot.SucceededAfterRetry, done.Done.Reason)
}

func TestFourthFailureStaysErroredFifthPoisons(t *testing.T) {
	bus := eventbus.New()
	var poisonedCount int
	bus.Attach(func(e eventbus.Event) {
		if e.Kind == eventbus.Poisoned {
			poisonedCount++
		}
	})
	s := New(bus)
	job := s.Create(testApp(), testCmd())
	require.True(t, s.FullyApproved(job.Id))

	for i := 0; i < 4; i++ {
		require.True(t, s.StateErrored(job.Id, []string{"boom"}))
		errored, ok := s.GetErrored(job.Id)
		require.True(t, ok, "attempt %d should still be Errored", i+1)
		assert.Equal(t, i+1, errored.Errored.AttemptCount())
	}
	assert.Equal(t, 0, poisonedCount)

	require.True(t, s.StateErrored(job.Id, []string{"boom again"}))
	_, ok := s.GetErrored(job.Id)
	assert.False(t, ok)
	job5, ok := s.Get(job.Id)
	require.True(t, ok)
	assert.Equal(t, deploybot.StatePoisoned, job5.State)
	assert.Equal(t, 1, poisonedCount)
}

func TestFindInProgressExcludesTerminalStates(t *testing.T) {
	s := New(eventbus.New())
	job := s.Create(testApp(), testCmd())

	_, found := s.FindInProgress("T1", "foo", "  Staging ")
	assert.True(t, found, "env matching must be case-insensitive and trimmed")

	require.True(t, s.FullyApproved(job.Id))
	require.True(t, s.StateDone(job.Id))
	_, found = s.FindInProgress("T1", "foo", "staging")
	assert.False(t, found)
}

func TestSweepStaleInitRemovesOnlyUnnotifiedOldJobs(t *testing.T) {
	realNow := nowFunc
	defer func() { nowFunc = realNow }()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return base }
	s := New(eventbus.New())
	stale := s.Create(testApp(), testCmd())
	notified := s.Create(testApp(), testCmd())
	require.True(t, s.Notified(notified.Id, deploybot.MsgId{Channel: "C1", Timestamp: "1"}))

	nowFunc = func() time.Time { return base.Add(2 * time.Hour) }
	removed := s.SweepStaleInit(time.Hour)

	assert.Equal(t, []deploybot.JobId{stale.Id}, removed)
	_, ok := s.GetInit(notified.Id)
	assert.True(t, ok, "notified job must survive the sweep")
}

// TestNoReentrantDeadlock exercises spec.md invariant 5: a listener that
// calls back into the store (as the real hooks do, off-thread) must never
// deadlock, because the store lock is released before dispatch.
func TestNoReentrantDeadlock(t *testing.T) {
	bus := eventbus.New()
	s := New(bus)

	var wg sync.WaitGroup
	bus.Attach(func(e eventbus.Event) {
		if e.Kind != eventbus.Created {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Approved(e.Job.Id, deploybot.Principal{User: &deploybot.UserPrincipal{UserId: "U1", Approver: true}})
		}()
	})

	job := s.Create(testApp(), testCmd())
	wg.Wait()

	got, ok := s.GetInit(job.Id)
	require.True(t, ok)
	assert.Len(t, got.Init.ApprovedBy, 1)
}
