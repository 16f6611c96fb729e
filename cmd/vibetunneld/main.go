// Command vibetunneld proxies interactive PTY-backed terminal sessions over
// HTTP and WebSocket. Grounded on the teacher's cmd/wtd (server binary) and
// cmd/wt (cobra root + subcommand wiring) idiom.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "vibetunneld",
		Short:         "vibetunneld — PTY terminal proxy server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), fwdCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vibetunneld:", err)
		if _, ok := err.(usageError); ok {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks a cobra RunE failure as bad usage (exit code 2, per §6)
// rather than a fatal runtime error (exit code 1).
type usageError struct{ error }

func badUsage(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}
