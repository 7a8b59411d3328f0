package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

var createCmd = &cobra.Command{
	Use:   "create <room-id>",
	Short: "Create a room on the relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		body, err := json.Marshal(map[string]string{"roomId": args[0]})
		if err != nil {
			return err
		}
		resp, err := httpClient.Post(cfg.HTTPURL+"/create-room", "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		defer resp.Body.Close()

		var out struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		if out.Error != "" {
			return fmt.Errorf("create room: %s", out.Error)
		}
		fmt.Println(out.Message)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <room-id>",
	Short: "Report whether a room exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resp, err := httpClient.Get(cfg.HTTPURL + "/check-room/" + url.PathEscape(args[0]))
		if err != nil {
			return fmt.Errorf("check room: %w", err)
		}
		defer resp.Body.Close()

		var out struct {
			Exists bool `json:"exists"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("check room: %w", err)
		}
		if out.Exists {
			fmt.Printf("room %s exists\n", args[0])
		} else {
			fmt.Printf("room %s does not exist\n", args[0])
		}
		return nil
	},
}
