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

// deploybot-server is a thin reference HTTP adapter over the core, so
// the module compiles and runs end to end. Grounded on
// ciongke/cmd/hook/main.go's flag-based bootstrap and Server-as-
// http.Handler shape, and experiment/cherrypicker/main.go's secret-file
// reads, logrus.JSONFormatter, and signal.Ignore(syscall.SIGTERM).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io/ioutil"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"

	"k8s.io/deploybot/internal/approval"
	"k8s.io/deploybot/internal/chatadapter"
	deploybot "k8s.io/deploybot/internal/core"
	"k8s.io/deploybot/internal/eventbus"
	"k8s.io/deploybot/internal/executor"
	"k8s.io/deploybot/internal/gitprovider"
	"k8s.io/deploybot/internal/hooks"
	"k8s.io/deploybot/internal/store"
)

var (
	port = flag.Int("port", 8888, "Port to listen on.")

	dryRun = flag.Bool("dry-run", true, "Whether to avoid mutating calls to the chat platform.")

	chatTokenFile = flag.String("chat-token-file", "/etc/chat/token", "Path to the file containing the chat platform bot token.")
	apiKeyFile    = flag.String("api-key-file", "/etc/deploybot/api-key", "Path to the file containing the API key guarding GET /api/v1/jobs.")

	catalogFile = flag.String("catalog-file", "/etc/deploybot/catalog.json", "Path to the deployable catalog JSON file.")

	gitHomeDir   = flag.String("git-home-dir", "/var/lib/deploybot/repos", "Directory under which repo clones are kept.")
	gitUserName  = flag.String("git-user-name", "deploybot", "Git identity name used for merge commits.")
	gitUserEmail = flag.String("git-user-email", "deploybot@example.com", "Git identity email used for merge commits.")

	staleInitSweep    = flag.Duration("stale-init-sweep-age", time.Hour, "Age after which an unnotified Init job is swept.")
	staleInitInterval = flag.String("stale-init-sweep-interval", "@every 5m", "Cron spec for the stale-Init sweep.")
)

func main() {
	flag.Parse()
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.StandardLogger().WithField("component", "deploybot-server")

	// Ignore SIGTERM so in-flight deployments aren't dropped when the pod
	// is removed; SIGKILL follows after the graceful termination deadline.
	signal.Ignore(syscall.SIGTERM)

	chatToken := mustReadSecret(log, *chatTokenFile)
	apiKey := mustReadSecret(log, *apiKeyFile)

	var messenger deploybot.Messenger
	var groups deploybot.Groups
	if *dryRun {
		c := chatadapter.NewDryRunClient(chatToken)
		messenger, groups = c, c
	} else {
		c := chatadapter.NewClient(chatToken)
		messenger, groups = c, c
	}

	reader, err := loadCatalog(*catalogFile)
	if err != nil {
		log.WithError(err).Fatal("could not load deployable catalog")
	}

	bus := eventbus.New()
	st := store.New(bus)
	eng := approval.New(groups)
	gitClient := gitprovider.NewClient(*gitHomeDir, *gitUserName, *gitUserEmail)
	worker := executor.NewWorker(st, executor.WrapGitClient(gitClient), log)

	hooks.Register(bus, st, messenger, eng, worker, log)

	c := cron.New()
	if _, err := c.AddFunc(*staleInitInterval, func() {
		removed := st.SweepStaleInit(*staleInitSweep)
		if len(removed) > 0 {
			log.WithField("count", len(removed)).Info("swept stale Init jobs")
		}
	}); err != nil {
		log.WithError(err).Fatal("could not schedule stale-Init sweep")
	}
	c.Start()

	go worker.Run()
	worker.Release()

	srv := &server{
		store:     st,
		eng:       eng,
		reader:    reader,
		messenger: messenger,
		apiKey:    apiKey,
		log:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/command", srv.handleCommand)
	mux.HandleFunc("/api/v1/event", srv.handleEvent)
	mux.Handle("/api/v1/jobs", srv.requireAPIKey(http.HandlerFunc(srv.handleJobs)))
	mux.Handle("/metrics", promhttp.Handler())

	handler := gziphandler.GzipHandler(mux)
	log.WithField("port", *port).Info("listening")
	if err := http.ListenAndServe(":"+strconv.Itoa(*port), handler); err != nil {
		log.WithError(err).Fatal("ListenAndServe returned error")
	}
}

func mustReadSecret(log *logrus.Entry, path string) string {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Fatal("could not read secret file")
	}
	return string(bytes.TrimSpace(raw))
}

func loadCatalog(path string) (deploybot.Reader, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var byWorkspace map[string][]deploybot.App
	if err := json.Unmarshal(raw, &byWorkspace); err != nil {
		return nil, err
	}
	return staticReader(byWorkspace), nil
}

type staticReader map[string][]deploybot.App

func (r staticReader) Apps(workspaceId string) ([]deploybot.App, error) {
	return r[workspaceId], nil
}
