package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// CustomConfigLocation is the flag naming an optional config file.
const CustomConfigLocation = "config"

// RootCmd builds the tinykeep command tree.
func RootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:          "tinykeep",
		SilenceUsage: true,
		Short:        "Keeps event and period metrics behind pluggable storage",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(v)
		},
	}

	cmd.PersistentFlags().String(CustomConfigLocation, "", "Path to a config file (yaml, json or toml)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	_ = v.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))
	_ = v.BindPFlag("log_level", cmd.PersistentFlags().Lookup("log-level"))

	cmd.AddCommand(serveCmd(v))
	return cmd
}

func readConfigFile(v *viper.Viper) error {
	path := strings.TrimSpace(v.GetString(CustomConfigLocation))
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	return v.ReadInConfig()
}
