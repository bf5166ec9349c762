// Command gonvme-sim drives the gonvme driver against the internal/sim
// simulated controller instead of a real PCI BAR, the same role the
// teaching source's cmd/ublk-mem plays for the memory-backend driver: a
// runnable demonstration of the library, not a substitute for real
// hardware discovery.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	blockSize  uint32
	blockCount uint64
	queueDepth uint16
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "gonvme-sim",
	Short: "Exercise the gonvme NVMe driver against a simulated controller",
	Long: `gonvme-sim wires the gonvme driver to an in-process simulated NVMe
controller (internal/sim) instead of a real PCI device, so the
Identify/enumerate/read/write lifecycle can be driven and inspected
without NVMe hardware.`,
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Uint32Var(&blockSize, "block-size", 512, "simulated namespace block size in bytes")
	rootCmd.PersistentFlags().Uint64Var(&blockCount, "blocks", 4096, "simulated namespace block count")
	rootCmd.PersistentFlags().Uint16Var(&queueDepth, "queue-depth", 0, "requested queue depth (0 = driver default, clamped to MQES)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")

	rootCmd.AddCommand(identifyCmd)
	rootCmd.AddCommand(namespacesCmd)
	rootCmd.AddCommand(selftestCmd)
}

func main() {
	Execute()
}
