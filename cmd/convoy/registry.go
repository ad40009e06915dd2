package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/convoyhq/convoy/internal/config"
	"github.com/convoyhq/convoy/internal/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the capability catalog",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents and tools from the capability catalog",
	RunE:  runRegistryList,
}

var registryCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the capability catalog without starting anything",
	RunE:  runRegistryCheck,
}

func init() {
	registryCmd.AddCommand(registryListCmd)
	registryCmd.AddCommand(registryCheckCmd)
}

// loadCatalog resolves the catalog path from config and loads it.
func loadCatalog() (*registry.Registry, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return registry.Load(cfg.Registry.CatalogPath)
}

func runRegistryList(cmd *cobra.Command, args []string) error {
	reg, err := loadCatalog()
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	all := reg.All()
	for _, agent := range reg.AgentNames() {
		bold.Println(agent)
		for _, cap := range all[agent] {
			gated := ""
			if cap.DraftGated() {
				gated = color.YellowString(" [draft-gated]")
			}
			fmt.Printf("  %-24s %-6s%s  %s\n", cap.ToolName, cap.RiskLevel, gated, cap.Description)
		}
	}
	return nil
}

func runRegistryCheck(cmd *cobra.Command, args []string) error {
	reg, err := loadCatalog()
	if err != nil {
		printStatus("✗", err.Error(), color.FgRed)
		return err
	}
	total := 0
	for _, caps := range reg.All() {
		total += len(caps)
	}
	printStatus("✓", fmt.Sprintf("Catalog valid: %d agents, %d tools", len(reg.AgentNames()), total), color.FgGreen)
	return nil
}
