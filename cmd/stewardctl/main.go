// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command stewardctl is the CLI client for the Aleutian Steward server.
//
// Usage:
//
//	stewardctl ask "list my EC2 instances"
//	stewardctl chat
//	stewardctl chat --resume 6f1c9a1e-...
//	stewardctl capabilities
//
// The server address defaults to http://localhost:8080 and may be
// overridden with STEWARD_URL.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

var resumeSessionID string

func main() {
	rootCmd := &cobra.Command{
		Use:   "stewardctl",
		Short: "CLI client for the Aleutian Steward cloud operations assistant",
	}

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question in a fresh session",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand,
	}

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Run:   runChatCommand,
	}
	chatCmd.Flags().StringVar(&resumeSessionID, "resume", "", "Resume an existing session by ID")

	capabilitiesCmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show which backing capabilities are available",
		Run:   runCapabilitiesCommand,
	}

	rootCmd.AddCommand(askCmd, chatCmd, capabilitiesCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// getStewardBaseURL resolves the server address.
func getStewardBaseURL() string {
	if url := os.Getenv("STEWARD_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func runCapabilitiesCommand(_ *cobra.Command, _ []string) {
	statuses, err := fetchCapabilities(getStewardBaseURL())
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	for name, available := range statuses {
		marker := "available"
		if !available {
			marker = "UNAVAILABLE"
		}
		fmt.Printf("%-28s %s\n", name, marker)
	}
}
