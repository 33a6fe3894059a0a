// Package main provides the entry point for the agent runner service and its CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonathan/agent-runner/internal/config"
)

var (
	optionsPath string
	jobsPath    string
)

var rootCmd = &cobra.Command{
	Use:   "agent_runner",
	Short: "Resumable job runner for scheduled multi-phase automations",
	Long: `agent_runner starts multi-phase jobs inside their daily window, persists their progress
so a restart resumes where it stopped, and reports every phase transition to webhooks.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&optionsPath, "options", config.DefaultOptionsPath, "Path to the add-on options file (JSON)")
	rootCmd.PersistentFlags().StringVar(&jobsPath, "jobs", "", "Path to the job definitions file (defaults to jobs_file)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
