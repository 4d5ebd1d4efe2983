// Command senpukictl is an operator CLI against a running senpuki API
// server: execution/DLQ counts, a live-refreshing watch view, and DLQ
// inspection/replay/delete, per spec.md 6's CLI surface.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maumercado/senpuki/pkg/client"
)

// errUsage marks a command-line usage mistake (bad flags/args), which maps
// to exit code 2; every other failure maps to exit code 1.
var errUsage = errors.New("usage error")

func newRootCmd() *cobra.Command {
	var serverURL, apiKey string

	root := &cobra.Command{
		Use:           "senpukictl",
		Short:         "Operate a senpuki durable-execution server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "senpuki API server base URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "bearer token for an auth-enabled server")

	newClient := func() (*client.Client, error) {
		opts := []client.Option{}
		if apiKey != "" {
			opts = append(opts, client.WithAPIKey(apiKey))
		}
		return client.New(serverURL, opts...)
	}

	root.AddCommand(newStatsCmd(newClient))
	root.AddCommand(newWatchCmd(newClient))
	root.AddCommand(newDLQCmd(newClient))

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "senpukictl:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
