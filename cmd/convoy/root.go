package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Multi-agent workflow orchestration core",
	Long: `Convoy turns natural-language requests into validated multi-step
plans and executes them across agent microservices.

Every run passes through three layers before any agent is called:
- A planner that produces a structurally sound, dependency-checked plan
- A three-tier quota manager (per-request, per-user-daily, system-hourly)
- A draft-first safety gate that pauses irreversible steps for approval`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: convoy.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(quotaCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(versionCmd)
}
