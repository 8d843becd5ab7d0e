package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	deploybot "k8s.io/deploybot/internal/core"
)

func TestDispatchOrdersListeners(t *testing.T) {
	b := New()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Attach(func(Event) { order = append(order, i) })
	}
	b.Dispatch(Event{Kind: Created, Job: deploybot.Job{Id: "j1"}})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestDispatchIsolatesPanickingListener(t *testing.T) {
	b := New()
	var ranSecond bool
	b.Attach(func(Event) { panic("boom") })
	b.Attach(func(Event) { ranSecond = true })

	assert.NotPanics(t, func() {
		b.Dispatch(Event{Kind: Done, Job: deploybot.Job{Id: "j2"}})
	})
	assert.True(t, ranSecond, "listener after a panicking one must still run")
}

func TestDispatchCarriesPrincipalOnlyWhenSet(t *testing.T) {
	b := New()
	var got *deploybot.Principal
	b.Attach(func(e Event) { got = e.Principal })

	b.Dispatch(Event{Kind: Created, Job: deploybot.Job{Id: "j3"}})
	assert.Nil(t, got)

	p := deploybot.Principal{User: &deploybot.UserPrincipal{UserId: "U1", Approver: true}}
	b.Dispatch(Event{Kind: Approved, Job: deploybot.Job{Id: "j3"}, Principal: &p})
	assert.Equal(t, &p, got)
}
