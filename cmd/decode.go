package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/kilnfi/go-ledger-kiln/pkg/contract"
	"github.com/kilnfi/go-ledger-kiln/pkg/zemu"
	"github.com/spf13/cobra"
)

var decodeTo string

func init() {
	decodeCmd.Flags().StringVar(&decodeTo, "to", zemu.Pool.Hex(), "contract the calldata is sent to")
	rootCmd.AddCommand(decodeCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode <calldata>",
	Short: "Decode calldata with the ABI of the target contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := hexutil.Decode(args[0])
		if err != nil {
			return err
		}
		call, err := contract.NewRegistry(nil).Unpack(common.HexToAddress(decodeTo), data)
		if err != nil {
			return err
		}
		named := make(map[string]interface{}, len(call.Args))
		for i, in := range call.Method.Inputs {
			named[in.Name] = call.Args[i]
		}
		out, err := json.MarshalIndent(named, "", "    ")
		if err != nil {
			return err
		}
		fmt.Println(call.Method.Sig)
		fmt.Println(string(out))
		return nil
	},
}
