package cmd

import (
	"soundslice/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 SoundSlice 服务器",
	Long:  `启动 HTTP 服务器，提供音轨上传、片段复用结算和片段下载 API，并在后台运行对账任务`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return server.Start(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
