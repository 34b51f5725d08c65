// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// turnRequest is the payload for POST /v1/steward/turn.
type turnRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// turnResponse is the response from POST /v1/steward/turn.
type turnResponse struct {
	Response  string `json:"response"`
	Class     string `json:"class"`
	Tier      string `json:"tier,omitempty"`
	Suspended string `json:"suspended,omitempty"`
	Error     string `json:"error,omitempty"`
}

// capabilitiesResponse is the response from GET /v1/steward/capabilities.
type capabilitiesResponse struct {
	Capabilities map[string]bool `json:"capabilities"`
}

var httpClient = &http.Client{Timeout: 5 * time.Minute}

func runAskCommand(_ *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	resp, err := sendTurn(getStewardBaseURL(), uuid.NewString(), question)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	fmt.Println(resp.Response)
}

func runChatCommand(_ *cobra.Command, _ []string) {
	baseURL := getStewardBaseURL()
	sessionID := resumeSessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Printf("Aleutian Steward chat (session %s)\n", sessionID)
		fmt.Println("Type 'exit' to quit. Confirmation tokens must be typed exactly.")
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if interactive && (line == "exit" || line == "quit" || line == "q") {
			fmt.Println("Goodbye.")
			break
		}

		resp, err := sendTurn(baseURL, sessionID, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		fmt.Println(resp.Response)
		if interactive {
			fmt.Println()
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("stdin: %v", err)
	}
}

// sendTurn posts one turn and decodes the reply.
func sendTurn(baseURL, sessionID, text string) (*turnResponse, error) {
	payload, err := json.Marshal(turnRequest{SessionID: sessionID, Text: text})
	if err != nil {
		return nil, err
	}

	resp, err := httpClient.Post(baseURL+"/v1/steward/turn", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("steward server unavailable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out turnResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, out.Error)
		}
		return nil, fmt.Errorf("server error (%d)", resp.StatusCode)
	}
	return &out, nil
}

// fetchCapabilities queries capability availability.
func fetchCapabilities(baseURL string) (map[string]bool, error) {
	resp, err := httpClient.Get(baseURL + "/v1/steward/capabilities")
	if err != nil {
		return nil, fmt.Errorf("steward server unavailable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server error (%d)", resp.StatusCode)
	}
	var out capabilitiesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}
