package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/templatemart/internal/config"
)

func main() {
	if err := newRootCommand(config.NewViper()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(configuration *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "templatemart",
		Short:        "Template marketplace client with session refresh, a durable cart, and a development backend",
		SilenceUsage: true,
		PersistentPreRunE: func(command *cobra.Command, arguments []string) error {
			return config.ReadFile(configuration)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String(config.KeyConfigFile, "", "Path to a YAML config file")
	flags.String(config.KeyBaseURL, "", "Marketplace API base URL")
	flags.String(config.KeyStorageURL, "", "Durable state location (memory://, file:///path.yaml, sqlite://path.db, postgres://...); defaults to a file in the user config directory")
	flags.Bool(config.KeyCoalesceRefresh, false, "Share one token refresh between concurrent expired requests")
	flags.Duration(config.KeyRequestTimeout, 15*time.Second, "Timeout for a single API call")
	flags.String(config.KeyLogLevel, "warn", "Log level: debug, info, warn, error")

	for _, key := range []string{config.KeyConfigFile, config.KeyBaseURL, config.KeyStorageURL, config.KeyCoalesceRefresh, config.KeyRequestTimeout, config.KeyLogLevel} {
		_ = configuration.BindPFlag(key, flags.Lookup(key))
	}

	rootCmd.AddCommand(
		newLoginCommand(configuration),
		newLogoutCommand(configuration),
		newWhoAmICommand(configuration),
		newRegisterCommand(configuration),
		newCartCommand(configuration),
		newTemplatesCommand(configuration),
		newCheckoutCommand(configuration),
		newOrdersCommand(configuration),
		newDownloadCommand(configuration),
		newServeCommand(configuration),
	)
	return rootCmd
}
