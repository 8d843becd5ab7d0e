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

package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	deploybot "k8s.io/deploybot/internal/core"
)

func makeJobsCommand() *cobra.Command {
	var stateFilter string

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect jobs known to a running deploybot-server.",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := fetchJobs()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAPP\tENV\tSTATE")
			for _, j := range jobs {
				if stateFilter != "" && string(j.State) != stateFilter {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Id, j.Command.App, j.Command.Environment, j.State)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().StringVar(&stateFilter, "state", "", "Only show jobs in this state (init, approved, errored, poisoned, done).")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job's full record.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := fetchJobs()
			if err != nil {
				return err
			}
			for _, j := range jobs {
				if string(j.Id) == args[0] {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(j)
				}
			}
			return fmt.Errorf("no job with id %q", args[0])
		},
	}

	jobsCmd.AddCommand(listCmd, showCmd)
	return jobsCmd
}

func fetchJobs() ([]deploybot.Job, error) {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/api/v1/jobs", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /api/v1/jobs: unexpected status %s", resp.Status)
	}
	b, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var jobs []deploybot.Job
	if err := json.Unmarshal(b, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}
