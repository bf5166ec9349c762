package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Bring up a simulated controller and print its identify summary",
	Args:  cobra.NoArgs,
	RunE:  runIdentify,
}

func runIdentify(cmd *cobra.Command, args []string) error {
	drv, _, err := buildDemoController()
	if err != nil {
		return fmt.Errorf("initialize controller: %w", err)
	}

	fmt.Printf("Controller ID: %d\n", drv.ControllerID())
	fmt.Printf("Max data transfer: %d bytes\n", drv.MaxDataTransferBytes())
	fmt.Printf("Namespaces: %d\n", len(drv.Namespaces()))
	for _, ns := range drv.Namespaces() {
		capacity := ns.SectorCount() * uint64(ns.SectorSize())
		fmt.Printf("  nsid=%d sector_size=%d sectors=%d capacity=%s\n",
			ns.ID(), ns.SectorSize(), ns.SectorCount(), formatSize(int64(capacity)))
	}
	return nil
}

// formatSize formats a byte count as a human-readable string.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
