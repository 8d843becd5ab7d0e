package chatadapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	deploybot "k8s.io/deploybot/internal/core"
)

func testServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	srv := httptest.NewServer(handler)
	c := NewClient("test-token")
	c.base = srv.URL
	return srv, c
}

func TestSendJobCreatedPostsToNotifyChannel(t *testing.T) {
	srv, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		var body postMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "C-notify", body.Channel)
		json.NewEncoder(w).Encode(postMessageResponse{Ok: true, Ts: "123.456"})
	})
	defer srv.Close()

	job := deploybot.Job{
		App:     deploybot.App{NotifyChannelId: "C-notify"},
		Command: deploybot.Command{App: "foo", Environment: "staging"},
	}
	msgId, err := c.SendJobCreated(job)
	require.NoError(t, err)
	assert.Equal(t, "C-notify", msgId.Channel)
	assert.Equal(t, "123.456", msgId.Timestamp)
}

func TestDryRunClientNeverHitsNetwork(t *testing.T) {
	c := NewDryRunClient("test-token")
	c.base = "http://127.0.0.1:0" // would fail to dial if ever contacted

	job := deploybot.Job{App: deploybot.App{NotifyChannelId: "C-notify"}}
	msgId, err := c.SendJobDone(job)
	require.NoError(t, err)
	assert.Equal(t, "dry-run", msgId.Timestamp)
}

func TestContainsUserDelegatesToExpand(t *testing.T) {
	srv, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/usergroups.users.list", r.URL.Path)
		assert.Equal(t, "sre", r.URL.Query().Get("usergroup"))
		json.NewEncoder(w).Encode(groupMembersResponse{Ok: true, UserIds: []string{"alice", "bob"}})
	})
	defer srv.Close()

	ok, err := c.ContainsUser("sre", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.ContainsUser("sre", "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostMessageErrorsOnOkFalse(t *testing.T) {
	srv, c := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(postMessageResponse{Ok: false})
	})
	defer srv.Close()

	_, err := c.SendJobFailed(deploybot.Job{App: deploybot.App{NotifyChannelId: "C1"}})
	assert.Error(t, err)
}
