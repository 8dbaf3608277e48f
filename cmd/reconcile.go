package cmd

import (
	"context"
	"fmt"

	"soundslice/server"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "执行一次对账",
	Long:  `扫描长时间未推进的复用结算记录，从最后一个持久化节点继续推进到终态。服务运行时后台会定期执行同样的操作。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := server.NewApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		sum, err := app.Engine.Reconcile(ctx)
		fmt.Printf("scanned=%d finalized=%d failed=%d pending=%d errors=%d\n",
			sum.Scanned, sum.Finalized, sum.Failed, sum.Pending, sum.Errors)
		return err
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
