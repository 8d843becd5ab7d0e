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

// deployctl is the operator CLI of SPEC_FULL.md §4.9: a small cobra
// command tree against deploybot-server's GET /api/v1/jobs endpoint,
// plus an offline catalog validator. Grounded on gopherage/main.go's
// rootCommand/AddCommand/Execute shape.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
)

var rootCommand = &cobra.Command{
	Use:   "deployctl",
	Short: "deployctl inspects and validates a deploybot deployment.",
}

func run() error {
	rootCommand.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8888", "Base URL of a running deploybot-server.")
	rootCommand.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for GET /api/v1/jobs.")
	rootCommand.AddCommand(makeJobsCommand())
	rootCommand.AddCommand(makeConfigCommand())
	return rootCommand.Execute()
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
