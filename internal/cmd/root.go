// Package cmd wires the stagehand command tree: run, status, resume, and
// cleanup, with configuration resolved through viper.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stagehand-dev/stagehand/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Task-state and pipeline orchestration engine",
	Long: `Stagehand drives tasks through a develop/review/correct/finalize
pipeline backed by a versioned state store, dispatching each stage to an
external agent and reclaiming branches and worktrees only after the merge
has been independently verified.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/stagehand/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default is .stagehand in the working directory)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("state.dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file.
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/stagehand")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("STAGEHAND")
	// Nested keys map to env vars with underscores, e.g.
	// STAGEHAND_PIPELINE_MAX_CONCURRENT_TASKS.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found).
	_ = viper.ReadInConfig()
}
