package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"soundslice/server"

	"github.com/spf13/cobra"
)

var resubmitRequester string

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <record-id>",
	Short: "重新提交失败的复用结算记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := server.NewApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		requester := resubmitRequester
		if requester == "" {
			rec, err := app.Engine.Record(ctx, args[0])
			if err != nil {
				return err
			}
			requester = rec.RequesterID
		}

		rec, err := app.Engine.Resubmit(ctx, args[0], requester)
		if err != nil {
			return err
		}
		if err := app.Engine.Shutdown(ctx); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("print record: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resubmitCmd)
	resubmitCmd.Flags().StringVar(&resubmitRequester, "requester", "", "以该用户身份重新提交，默认使用记录原请求者")
}
