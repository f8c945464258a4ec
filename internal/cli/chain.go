package cli

import (
	"github.com/spf13/cobra"

	"github.com/vietddude/chainfetch/internal/control"
)

var txFlags struct {
	address  string
	internal bool
	output   string
}

var fetchTransactionsCmd = &cobra.Command{
	Use:   "fetch-transactions",
	Short: "List an account's transactions from the explorer",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		return app.FetchTransactions(ctx, control.TransactionsRequest{
			Address:  txFlags.address,
			Internal: txFlags.internal,
			Output:   txFlags.output,
		})
	},
}

var blockFlags struct {
	startBlock  uint64
	endBlock    uint64
	fields      []string
	logInterval uint64
	output      string
}

var fetchBlocksCmd = &cobra.Command{
	Use:   "fetch-blocks",
	Short: "Export block header fields for a range",
	RunE: func(cmd *cobra.Command, args []string) error {
		end, err := endBlock(cmd, blockFlags.startBlock, blockFlags.endBlock)
		if err != nil {
			return err
		}

		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		return app.FetchBlocks(ctx, control.BlocksRequest{
			Start:       blockFlags.startBlock,
			End:         end,
			Fields:      blockFlags.fields,
			LogInterval: blockFlags.logInterval,
			Output:      blockFlags.output,
		})
	},
}

var traceFlags struct {
	hash   string
	output string
}

var traceTxCmd = &cobra.Command{
	Use:   "trace-tx",
	Short: "Write the debug trace of a transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		return app.TraceTransaction(ctx, traceFlags.hash, traceFlags.output)
	},
}

func init() {
	f := fetchTransactionsCmd.Flags()
	f.StringVar(&txFlags.address, "address", "", "account address")
	f.BoolVar(&txFlags.internal, "internal", false, "list internal transactions")
	f.StringVarP(&txFlags.output, "output", "o", "-", "output (.csv for CSV, JSONL otherwise)")
	_ = fetchTransactionsCmd.MarkFlagRequired("address")

	f = fetchBlocksCmd.Flags()
	f.Uint64Var(&blockFlags.startBlock, "start-block", 0, "first block")
	f.Uint64Var(&blockFlags.endBlock, "end-block", 0, "last block, inclusive (latest when omitted)")
	f.StringSliceVar(&blockFlags.fields, "fields", nil, "block fields to export")
	f.Uint64Var(&blockFlags.logInterval, "log-interval", 0, "blocks between progress reports")
	f.StringVarP(&blockFlags.output, "output", "o", "-", "output (.csv for CSV, JSONL otherwise)")

	f = traceTxCmd.Flags()
	f.StringVar(&traceFlags.hash, "hash", "", "transaction hash")
	f.StringVarP(&traceFlags.output, "output", "o", "-", "output")
	_ = traceTxCmd.MarkFlagRequired("hash")

	rootCmd.AddCommand(fetchTransactionsCmd, fetchBlocksCmd, traceTxCmd)
}
