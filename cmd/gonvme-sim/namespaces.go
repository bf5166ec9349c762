package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var namespacesCmd = &cobra.Command{
	Use:   "namespaces",
	Short: "List the namespaces a simulated controller enumerates",
	Args:  cobra.NoArgs,
	RunE:  runNamespaces,
}

func runNamespaces(cmd *cobra.Command, args []string) error {
	drv, _, err := buildDemoController()
	if err != nil {
		return fmt.Errorf("initialize controller: %w", err)
	}

	if len(drv.Namespaces()) == 0 {
		fmt.Println("no namespaces enumerated")
		return nil
	}

	fmt.Printf("%-6s %-12s %-14s %s\n", "NSID", "SECTOR SIZE", "SECTORS", "CAPACITY")
	for _, ns := range drv.Namespaces() {
		capacity := ns.SectorCount() * uint64(ns.SectorSize())
		fmt.Printf("%-6d %-12d %-14d %s\n", ns.ID(), ns.SectorSize(), ns.SectorCount(), formatSize(int64(capacity)))
	}
	return nil
}
