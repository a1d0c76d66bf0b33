package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/controlroom/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "controlroom",
	Short: "Supervise plan-driven terminal sessions",
	Long: `controlroom watches project plan documents, drives a per-project
workflow from planning through pull request, and controls terminal sessions
through a scripting endpoint.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.config/controlroom/config.yaml)")
}

func initConfig() {
	// Defaults first so they apply without a config file
	config.SetDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CONTROLROOM")
	// CONTROLROOM_ENDPOINT_URL for endpoint.url
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}
