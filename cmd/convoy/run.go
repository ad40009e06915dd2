package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/convoyhq/convoy/internal/orchestrator"
	"github.com/convoyhq/convoy/pkg/models"
)

var (
	runUserID      string
	runContextHint string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a single workflow in-process",
	Long: `Plan and execute one natural-language request without starting the
HTTP server. Prints the plan, each step's outcome, and the final context.

A run that pauses for approval prints the pending action id and exits;
resolve it through a running server.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVar(&runUserID, "user", "cli", "User id for quota accounting")
	runCmd.Flags().StringVar(&runContextHint, "context", "", "Optional context hint for the planner")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	st, err := buildStack(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	input := strings.Join(args, " ")
	res, err := st.orchestrator.Submit(context.Background(), orchestrator.SubmitRequest{
		UserID:      runUserID,
		InputText:   input,
		ContextHint: runContextHint,
	})
	if err != nil {
		return err
	}

	printResult(res)

	if input, output, calls := st.llm.Tracker().Totals(); calls > 0 {
		fmt.Printf("\nLLM usage: %d calls, %d input + %d output tokens\n", calls, input, output)
	}

	if res.Status != models.StatusCompleted && res.Status != models.StatusAwaitingApproval {
		return fmt.Errorf("workflow ended %s", res.Status)
	}
	return nil
}

func printResult(res orchestrator.Result) {
	switch res.Status {
	case models.StatusCompleted:
		printStatus("✓", fmt.Sprintf("Workflow %s completed", res.WorkflowID), color.FgGreen)
	case models.StatusAwaitingApproval:
		printStatus("⚠", fmt.Sprintf("Workflow %s awaiting approval (action %s)", res.WorkflowID, res.PendingActionID), color.FgYellow)
	case models.StatusQuotaBlocked:
		printStatus("✗", "Workflow blocked by quota", color.FgYellow)
	default:
		printStatus("✗", fmt.Sprintf("Workflow %s %s", res.WorkflowID, res.Status), color.FgRed)
	}

	if res.Plan != nil {
		fmt.Println("\nPlan:")
		for _, step := range res.Plan.Steps {
			fmt.Printf("  %d. %s/%s  %s\n", step.StepNumber, step.AgentName, step.ToolName, step.Description)
		}
	}
	if res.Error != nil {
		fmt.Printf("\nError: %s: %s\n", res.Error.Code, res.Error.Message)
	}
	if res.RetryAfter != nil {
		fmt.Printf("Retry after: %s\n", res.RetryAfter.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if len(res.Context) > 0 {
		raw, err := json.MarshalIndent(res.Context, "", "  ")
		if err == nil {
			fmt.Printf("\nFinal context:\n%s\n", raw)
		}
	}
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
