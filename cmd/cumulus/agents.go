package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"cumulus/internal/config"
)

// controlBaseURL resolves the control API address for client subcommands.
func controlBaseURL() string {
	if url := os.Getenv("CUMULUS_CONTROL_URL"); url != "" {
		return url
	}
	cfg, err := config.Load()
	if err != nil {
		return "http://127.0.0.1:9223"
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Control.Port)
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	streamingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents known to the running host",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(controlBaseURL() + "/api/agents")
		if err != nil {
			return fmt.Errorf("control API unreachable (is `cumulus serve` running?): %w", err)
		}
		defer resp.Body.Close()

		var body struct {
			Agents []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"agents"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode agent list: %w", err)
		}

		if len(body.Agents) == 0 {
			fmt.Println("no agents")
			return nil
		}

		fmt.Println(headerStyle.Render("NAME") + "\t" + headerStyle.Render("STATUS"))
		for _, a := range body.Agents {
			style := idleStyle
			if a.Status == "streaming" {
				style = streamingStyle
			}
			fmt.Printf("%s\t%s\n", a.Name, style.Render(a.Status))
		}
		return nil
	},
}

var sendSender string

var sendCmd = &cobra.Command{
	Use:   "send <agent> <message>",
	Short: "Deliver a message to an agent through the control API",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := json.Marshal(map[string]string{
			"message": args[1],
			"sender":  sendSender,
		})
		if err != nil {
			return err
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(
			controlBaseURL()+"/api/agents/"+args[0]+"/message",
			"application/json",
			bytes.NewReader(payload),
		)
		if err != nil {
			return fmt.Errorf("control API unreachable: %w", err)
		}
		defer resp.Body.Close()

		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if delivered, _ := body["delivered"].(bool); !delivered {
			return fmt.Errorf("not delivered: %v", body["error"])
		}
		fmt.Printf("delivered to %s\n", args[0])
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendSender, "sender", "cli", "Sender name attributed to the message")
}
