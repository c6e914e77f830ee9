package main

import (
	"os"

	"github.com/spf13/cobra"

	"cumulus/internal/toolserver"
)

var (
	toolsLogPath     string
	toolsContentDir  string
	toolsSessionPath string
	toolsAgentsOnly  bool
)

// toolsCmd is what the per-thread tool config points spawned subprocesses
// at; it is not meant for interactive use.
var toolsCmd = &cobra.Command{
	Use:    "tools",
	Short:  "Serve thread tools over stdio for a spawned subprocess",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toolserver.New(toolserver.Options{
			In:          os.Stdin,
			Out:         os.Stdout,
			HistoryPath: toolsLogPath,
			ContentDir:  toolsContentDir,
			ControlURL:  os.Getenv("CUMULUS_CONTROL_URL"),
			AgentName:   os.Getenv("CUMULUS_AGENT_NAME"),
		}).Run()
	},
}

func init() {
	toolsCmd.Flags().StringVar(&toolsLogPath, "log", "", "History log path")
	toolsCmd.Flags().StringVar(&toolsContentDir, "content", "", "Content store directory")
	toolsCmd.Flags().StringVar(&toolsSessionPath, "sessions", "", "Session store path")
	toolsCmd.Flags().BoolVar(&toolsAgentsOnly, "agents", false, "Marks the agent-messaging entry of the tool config; the same tool set is served with or without it")
}
