package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a config file and print the resolved values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				return errors.New("--config is required")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "admin_addr     %s\n", cfg.AdminAddr)
			fmt.Fprintf(out, "cors_origins   %v\n", cfg.CorsOrigins)
			fmt.Fprintf(out, "queue_size     %d\n", cfg.QueueSize)
			fmt.Fprintf(out, "log.level      %s\n", cfg.Log.Level)
			fmt.Fprintf(out, "demo.tick      %s\n", cfg.Demo.TickInterval)
			fmt.Fprintf(out, "demo.load      %s\n", cfg.Demo.LoadDelay)
			fmt.Fprintln(out, "config ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file")
	return cmd
}
