package cmd

import (
	"fmt"
	"log"
	"os"

	"LoopDeck/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loopdeck",
	Short: "LoopDeck is a multi-track video overdub mixer service.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting LoopDeck server...")
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
