package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Inspect quota consumption",
}

var quotaUserCmd = &cobra.Command{
	Use:   "user <user_id>",
	Short: "Show a user's daily token and request consumption",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuotaUser,
}

var quotaSystemCmd = &cobra.Command{
	Use:   "system",
	Short: "Show system-hour token consumption and workflow concurrency",
	RunE:  runQuotaSystem,
}

func init() {
	quotaCmd.AddCommand(quotaUserCmd)
	quotaCmd.AddCommand(quotaSystemCmd)
}

func runQuotaUser(cmd *cobra.Command, args []string) error {
	st, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	status, err := st.quota.UserStatus(args[0])
	if err != nil {
		return fmt.Errorf("user quota: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Printf("User %s\n", status.UserID)
	fmt.Printf("  Tokens today:   %d / %d\n", status.TokensUsedToday, status.DailyTokenLimit)
	fmt.Printf("  Requests today: %d / %d\n", status.RequestsMadeToday, status.RequestLimit)
	fmt.Printf("  Resets at:      %s\n", status.ResetsAt.Format("2006-01-02 15:04 MST"))
	return nil
}

func runQuotaSystem(cmd *cobra.Command, args []string) error {
	st, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	status, err := st.quota.SystemStatus()
	if err != nil {
		return fmt.Errorf("system quota: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Println("System")
	fmt.Printf("  Tokens this hour:   %d / %d\n", status.TokensUsedThisHour, status.HourlyTokenLimit)
	fmt.Printf("  Active workflows:   %d / %d\n", status.ActiveWorkflows, status.ConcurrentLimit)
	return nil
}
