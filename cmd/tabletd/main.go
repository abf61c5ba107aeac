// Command tabletd hosts one or more tablet Raft replicas on a single
// process. There is no user-visible CLI beyond process configuration —
// the core exposes five RPCs and nothing else — so this binary has one
// command rather than a start/stop/install/uninstall set.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tabletraft/tabletraft/version"
)

var cfgFile string
var showVersion bool

var rootCmd = &cobra.Command{
	Use:   "tabletd",
	Short: "tabletd hosts one or more per-tablet Raft replication cores",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("tabletd %s (commit %s, %s, tree %s)\n", version.Version, version.Commit, version.CommitDate, version.TreeState)
			return nil
		}

		vp := viper.New()
		if cfgFile != "" {
			vp.SetConfigFile(cfgFile)
			if err := vp.ReadInConfig(); err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
		}
		vp.SetEnvPrefix("tabletd")
		vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		vp.AutomaticEnv()

		cfg, err := configureWithViper(vp)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml/json/toml)")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
