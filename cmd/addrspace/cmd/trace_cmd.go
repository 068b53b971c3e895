package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sarchlab/addrspace/datarecording"
)

var traceCmd = &cobra.Command{
	Use:   "trace <database>",
	Short: "Print the operations recorded in a SQLite database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		reader := datarecording.NewReader(args[0])
		defer reader.Close()

		reader.MapTable(datarecording.OpTableName, datarecording.OpEntry{})

		results, total, err := reader.Query(
			context.Background(),
			datarecording.OpTableName,
			datarecording.QueryParams{OrderBy: "Seq"},
		)
		if err != nil {
			return err
		}

		for _, r := range results {
			entry := r.(datarecording.OpEntry)
			cmd.Printf("%d, %s, %s, [0x%x, 0x%x+0x%x), %t\n",
				entry.Seq, entry.Allocator, entry.Op,
				entry.Base, entry.Base, entry.Size, entry.OK)
		}

		cmd.Printf("%d operations\n", total)

		return nil
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
}
