// Package main runs the terminal status board for a detection service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dfir-detect/internal/tui"
)

func main() {
	var (
		addr   string
		apiKey string
	)

	cmd := &cobra.Command{
		Use:          "detect-top",
		Short:        "Live status board for a running detectd",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("DFIR_API_KEY")
			}
			return tui.Run(addr, apiKey)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "detectd base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default: $DFIR_API_KEY)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
