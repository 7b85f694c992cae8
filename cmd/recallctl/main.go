// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// recallctl is the operator CLI for a running orchestrator.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:   "recallctl",
		Short: "Operator CLI for the recall orchestrator",
		Long: "recallctl talks to a running orchestrator over HTTP: health and\n" +
			"readiness probes, effectiveness statistics, and ad-hoc chat turns.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&serverURL, "server", "s",
		envOr("RECALL_SERVER_URL", "http://localhost:12310"),
		"orchestrator base URL")

	root.AddCommand(newHealthCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newChatCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// getJSON fetches a URL and pretty-prints the JSON body to stdout.
func getJSON(cmd *cobra.Command, path string) error {
	resp, err := httpClient().Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		cmd.Println(string(body))
		return nil
	}
	cmd.Println(pretty.String())
	return nil
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check liveness and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := getJSON(cmd, "/health"); err != nil {
				return err
			}
			return getJSON(cmd, "/ready")
		},
	}
}

func newStatsCmd() *cobra.Command {
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show tool effectiveness statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(cmd, "/v1/agent/stats")
		},
	}
	stats.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear tool effectiveness statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient().Post(serverURL+"/v1/agent/stats/reset", "application/json", nil)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			cmd.Println("stats reset")
			return nil
		},
	})
	return stats
}

// chatRequest mirrors the wire shape of the chat endpoint. Kept local
// so the CLI builds without the service packages.
type chatRequest struct {
	RequestID string        `json:"request_id"`
	Timestamp int64         `json:"timestamp"`
	SessionID string        `json:"session_id"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func newChatCmd() *cobra.Command {
	var message string
	var sessionID string
	var stream bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run one chat turn against the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("a message is required (-m)")
			}
			if sessionID == "" {
				sessionID = "recallctl-" + uuid.NewString()[:8]
			}
			payload, err := json.Marshal(chatRequest{
				RequestID: uuid.NewString(),
				Timestamp: time.Now().UnixMilli(),
				SessionID: sessionID,
				Messages:  []chatMessage{{Role: "user", Content: message}},
			})
			if err != nil {
				return err
			}
			if stream {
				return runStreamingChat(cmd, payload)
			}

			resp, err := httpClient().Post(serverURL+"/v1/agent/chat",
				"application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, body, "", "  "); err != nil {
				cmd.Println(string(body))
				return nil
			}
			cmd.Println(pretty.String())
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "user message")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (random when omitted)")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream tokens as they arrive")
	return cmd
}

// runStreamingChat consumes the SSE stream, printing tokens as they
// arrive and a turn summary at the end. Agent turns can outlast the
// default client timeout, so the streaming client has none.
func runStreamingChat(cmd *cobra.Command, payload []byte) error {
	client := &http.Client{}
	resp, err := client.Post(serverURL+"/v1/agent/chat/stream",
		"application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			var ev struct {
				Message string `json:"message"`
				Content string `json:"content"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			switch event {
			case "status":
				fmt.Fprintln(os.Stderr, "..", ev.Message)
			case "token":
				fmt.Print(ev.Content)
			case "error":
				fmt.Println()
				return fmt.Errorf("server error: %s", ev.Error)
			case "done":
				fmt.Println()
			}
		}
	}
	return scanner.Err()
}
