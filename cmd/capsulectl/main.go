package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiFlag     string
	timeoutFlag time.Duration
	rootCmd     = &cobra.Command{
		Use:   "capsulectl",
		Short: "Operations CLI for the time capsule service",
	}
)

func main() {
	rootCmd.PersistentFlags().StringVarP(&apiFlag, "api", "a", "http://localhost:8080", "Time capsule service base URL")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "Request timeout")

	// sweep 供 cron 等外部调度器调用
	var email, password string
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Unlock every capsule whose unlock date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				email = os.Getenv("CAPSULECTL_EMAIL")
			}
			if password == "" {
				password = os.Getenv("CAPSULECTL_PASSWORD")
			}
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password (or CAPSULECTL_EMAIL / CAPSULECTL_PASSWORD) required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
			defer cancel()

			client := newAPIClient(apiFlag, timeoutFlag)
			if err := client.login(ctx, email, password); err != nil {
				return err
			}
			result, err := client.sweep(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "unlocked %d capsule(s) at %s\n",
				result.Unlocked, result.CheckedAt.Format(time.RFC3339))
			return nil
		},
	}
	sweepCmd.Flags().StringVarP(&email, "email", "e", "", "Admin email")
	sweepCmd.Flags().StringVarP(&password, "password", "p", "", "Admin password")
	rootCmd.AddCommand(sweepCmd)

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Show readiness of the service and its dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeoutFlag)
			defer cancel()

			body, err := newAPIClient(apiFlag, timeoutFlag).ready(ctx)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), body)
			return err
		},
	}
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
