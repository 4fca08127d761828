package cmd

import (
	"LoopDeck/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动LoopDeck服务器",
	Long:  `启动LoopDeck混音系统的HTTP服务器，提供作品管理API与混音台WebSocket服务`,
	Run: func(cmd *cobra.Command, args []string) {
		server.Start()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
