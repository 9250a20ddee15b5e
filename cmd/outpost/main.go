package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "outpost",
	Short: "Control plane for enrolled endpoint agents",
	Long:  "Outpost enrolls endpoint agents, authenticates their signed requests, and dispatches jobs to them with at-most-once delivery.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: none, defaults plus OUTPOST_* env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
