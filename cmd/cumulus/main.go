// Command cumulus runs the multi-agent conversation host: a supervisor for
// LLM CLI subprocesses, a local control API, and the helper tool server
// spawned children connect back to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "1.0.0"

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "cumulus",
	Short: "Multi-agent conversational subprocess supervisor",
	Long: `cumulus manages named conversation threads, each backed by a persistent
history log and a spawned LLM CLI subprocess. Agents message each other
through a local control API using interjection.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cumulus version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cumulus " + version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
