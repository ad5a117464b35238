/*
Package cmd provides the CLI commands for the codesign orchestrator.
*/
package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/oarkflow/codesign/internal/deps"
)

var (
	cfgFile     string
	verbose     bool
	debug       bool
	parallelism int
	timeout     string
	autoInstall bool
	skipInstall bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "codesign",
	Short: "Recursively signs nested archives, application packages, and deployment manifests",
	Long: `codesign walks a set of files, opening any nested archive/package
containers it finds (zip, NuGet, .appx, .appxbundle), recursing into each
one depth-first so inner payloads are signed before the containers around
them, then dispatches every remaining file to whichever leaf signer claims
it.

Example:
  codesign sign ./dist/*.zip
  codesign sign --no-recurse ./app.exe`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .codesign.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")
	rootCmd.PersistentFlags().IntVarP(&parallelism, "parallelism", "p", runtime.NumCPU(), "number of parallel container workers")
	rootCmd.PersistentFlags().StringVar(&timeout, "timeout", "60m", "timeout for the entire signing run")
	rootCmd.PersistentFlags().BoolVar(&autoInstall, "auto-install", false, "automatically install missing tool dependencies without prompting")
	rootCmd.PersistentFlags().BoolVar(&skipInstall, "skip-install", false, "skip tool dependency installation prompts")

	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if debug {
		log.SetLevel(log.DebugLevel)
	} else if verbose {
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	if autoInstall {
		deps.AutoInstall = true
		deps.PromptForInstall = false
	} else if skipInstall {
		deps.AutoInstall = false
		deps.PromptForInstall = false
	}

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
	}
}
