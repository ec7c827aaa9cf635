package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"
)

var display, withChainCode bool

func init() {
	getAddressCmd.Flags().BoolVarP(&display, "display", "d", false, "display address on device")
	getAddressCmd.Flags().BoolVar(&withChainCode, "chainCode", false, "also return the chain code")
	rootCmd.AddCommand(getAddressCmd)
}

var getAddressCmd = &cobra.Command{
	Use:   "getAddress",
	Short: "Get the ethereum address for a given node path",
	Long:  "Gets the ethereum address for a give node path and optionally displays the address on the device",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		addr, err := s.eth.GetAddress(cmd.Context(), cfg.Path, display, withChainCode)
		if err != nil {
			return err
		}
		fmt.Println(addr.Address.Hex())
		fmt.Println("public key:", hexutil.Encode(addr.PublicKey))
		if withChainCode {
			fmt.Println("chain code:", hexutil.Encode(addr.ChainCode))
		}
		return nil
	},
}
