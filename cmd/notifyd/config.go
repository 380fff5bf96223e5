package main

import (
	"net/url"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/notifyd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		shown := *cfg
		shown.DatabaseURL = redactURL(cfg.DatabaseURL)
		shown.NATSURL = redactURL(cfg.NATSURL)
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(shown)
	},
}

// redactURL masks the password of a URL. Values that do not parse as a
// URL with credentials are returned unchanged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
