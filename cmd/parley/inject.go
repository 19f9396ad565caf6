package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newInjectCmd() *cobra.Command {
	var server string
	var sessionKey string
	cmd := &cobra.Command{
		Use:   "inject [message]",
		Short: "Append a message to a session on a running server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInject(server, sessionKey, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&server, "addr", "a", "", "server address (default from config)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "target session key (default: most recent session)")
	return cmd
}

func runInject(server, sessionKey, message string) error {
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		server = cfg.Listen
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}

	body, err := json.Marshal(map[string]string{
		"sessionKey": sessionKey,
		"message":    message,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(server+"/inject", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("inject failed: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	fmt.Println("ok")
	return nil
}
