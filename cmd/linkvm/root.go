package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daimatz/linkvm/pkg/config"
	"github.com/daimatz/linkvm/pkg/universe"
)

const Version = "0.1.0"

var (
	cfg *config.Config
	uni *universe.Universe

	// RootCmd is the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "linkvm",
		Short: "Java class loading, linking and initialization engine",
		Long: fmt.Sprintf(`linkvm (v%s)

Loads Java classes from a class path, a java.base jmod and snapshot
archives, links them (verification, bytecode rewriting, dispatch tables) and
runs their static initializers. Every flag can also be set through an
environment variable LINKVM_<FLAG> (e.g. LINKVM_LOG_LEVEL=debug) or a .env
file.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of linkvm",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "linkvm v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	config.SetupFlags(RootCmd)

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(linkCmd)
	RootCmd.AddCommand(initCmd)
	RootCmd.AddCommand(dumpCmd)
	RootCmd.AddCommand(restoreCmd)
	RootCmd.AddCommand(statsCmd)
}

func initConfig() {
	config.LoadEnvFiles()
	config.Configure(viper.GetViper())
}

// setupUniverse reads the configuration and builds the class space the
// command runs in.
func setupUniverse(cmd *cobra.Command, _ []string) error {
	if err := config.BindFlags(viper.GetViper(), cmd); err != nil {
		return err
	}
	c, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	u, err := universe.New(c, universe.Options{Stdout: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	cfg, uni = c, u
	return nil
}
