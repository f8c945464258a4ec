package cli

import (
	"github.com/spf13/cobra"

	"github.com/vietddude/chainfetch/internal/control"
)

var sampleFlags struct {
	address    string
	abiPath    string
	function   string
	args       []string
	startBlock uint64
	endBlock   uint64
	stride     uint64
	output     string
}

var sampleCallsCmd = &cobra.Command{
	Use:   "sample-calls",
	Short: "Evaluate a read-only contract function every N blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		rng, err := blockRange(sampleFlags.startBlock, sampleFlags.endBlock)
		if err != nil {
			return err
		}

		ctx, app, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		return app.SampleCalls(ctx, control.SampleRequest{
			Address:  sampleFlags.address,
			ABIPath:  sampleFlags.abiPath,
			Function: sampleFlags.function,
			Args:     sampleFlags.args,
			Range:    rng,
			Stride:   sampleFlags.stride,
			Output:   sampleFlags.output,
		})
	},
}

func init() {
	f := sampleCallsCmd.Flags()
	f.StringVar(&sampleFlags.address, "address", "", "contract address")
	f.StringVar(&sampleFlags.abiPath, "abi", "", "ABI file (fetched from the explorer when empty)")
	f.StringVar(&sampleFlags.function, "function", "", "function name")
	f.StringSliceVar(&sampleFlags.args, "args", nil, "function arguments, comma separated")
	f.Uint64Var(&sampleFlags.startBlock, "start-block", 0, "first block")
	f.Uint64Var(&sampleFlags.endBlock, "end-block", 0, "last block, inclusive")
	f.Uint64Var(&sampleFlags.stride, "stride", 1, "blocks between samples")
	f.StringVarP(&sampleFlags.output, "output", "o", "-", "output (-, path, s3://bucket/key or postgres://...)")
	_ = sampleCallsCmd.MarkFlagRequired("address")
	_ = sampleCallsCmd.MarkFlagRequired("function")
	_ = sampleCallsCmd.MarkFlagRequired("end-block")

	rootCmd.AddCommand(sampleCallsCmd)
}
