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

	"github.com/spf13/cobra"

	deploybot "k8s.io/deploybot/internal/core"
)

func makeConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Validate a deployable-catalog file before it reaches a running server.",
	}

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a catalog JSON file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateCatalog(args[0])
		},
	}

	configCmd.AddCommand(validateCmd)
	return configCmd
}

// validateCatalog parses a catalog file and reports configuration
// mistakes the core would otherwise only surface as a puzzling
// AppNotFound/EnvNotFound at command time: duplicate app names within a
// workspace, duplicate environment names within a repo, and empty
// principal rosters on an environment that has no group principal to
// fall back on.
func validateCatalog(path string) error {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var byWorkspace map[string][]deploybot.App
	if err := json.Unmarshal(raw, &byWorkspace); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	var problems []string
	for workspaceId, apps := range byWorkspace {
		seenApp := map[string]bool{}
		for _, app := range apps {
			norm := deploybot.NormalizeName(app.DisplayName)
			if seenApp[norm] {
				problems = append(problems, fmt.Sprintf("workspace %s: duplicate app name %q (case/whitespace-insensitive)", workspaceId, app.DisplayName))
			}
			seenApp[norm] = true

			for _, repo := range app.Repos {
				seenEnv := map[string]bool{}
				for _, m := range repo.Mergeables {
					envNorm := deploybot.NormalizeName(m.DisplayName)
					if seenEnv[envNorm] {
						problems = append(problems, fmt.Sprintf("app %s/repo %s: duplicate environment name %q", app.DisplayName, repo.DisplayName, m.DisplayName))
					}
					seenEnv[envNorm] = true
					if len(m.Principals) == 0 {
						problems = append(problems, fmt.Sprintf("app %s/repo %s/env %s: no principals configured, nothing can ever approve this", app.DisplayName, repo.DisplayName, m.DisplayName))
					}
				}
			}
		}
	}

	if len(problems) == 0 {
		fmt.Println("catalog OK")
		return nil
	}
	for _, p := range problems {
		fmt.Println("problem:", p)
	}
	return fmt.Errorf("%d problem(s) found", len(problems))
}
