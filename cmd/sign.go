package cmd

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/kilnfi/go-ledger-kiln/pkg/contract"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethtx"
	"github.com/kilnfi/go-ledger-kiln/pkg/resolution"
	"github.com/kilnfi/go-ledger-kiln/pkg/zemu"
	"github.com/spf13/cobra"
)

var (
	txTo       string
	txMethod   string
	txArgs     string
	txData     string
	txValue    string
	txNonce    uint64
	txGasPrice string
	txTipCap   string
	txGasLimit uint64
	txChainID  uint64
)

func init() {
	f := signCmd.Flags()
	f.StringVar(&txTo, "to", zemu.Pool.Hex(), "recipient contract")
	f.StringVar(&txMethod, "method", "", "contract method to call, e.g. multiClaim")
	f.StringVar(&txArgs, "args", "[]", "JSON array of the method arguments")
	f.StringVar(&txData, "data", "", "raw calldata, instead of --method")
	f.StringVar(&txValue, "value", "0", "value in wei")
	f.Uint64Var(&txNonce, "nonce", 0, "transaction nonce")
	f.StringVar(&txGasPrice, "gasPrice", "1000000000", "gas price, or max fee per gas with --tipCap, in wei")
	f.StringVar(&txTipCap, "tipCap", "", "max priority fee per gas in wei, makes an EIP-1559 transaction")
	f.Uint64Var(&txGasLimit, "gasLimit", 21000, "gas limit")
	f.Uint64Var(&txChainID, "chainId", 1, "chain id")
	rootCmd.AddCommand(signCmd)
}

func parseWei(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func buildTx() (*ethtx.Tx, error) {
	if !common.IsHexAddress(txTo) {
		return nil, fmt.Errorf("invalid recipient %q", txTo)
	}
	to := common.HexToAddress(txTo)
	tx := &ethtx.Tx{
		Type:     types.LegacyTxType,
		Nonce:    txNonce,
		GasLimit: txGasLimit,
		To:       &to,
		ChainID:  new(big.Int).SetUint64(txChainID),
	}
	var err error
	if tx.Value, err = parseWei("value", txValue); err != nil {
		return nil, err
	}
	price, err := parseWei("gas price", txGasPrice)
	if err != nil {
		return nil, err
	}
	if txTipCap != "" {
		tx.Type = types.DynamicFeeTxType
		tx.GasFeeCap = price
		if tx.GasTipCap, err = parseWei("tip cap", txTipCap); err != nil {
			return nil, err
		}
	} else {
		tx.GasPrice = price
	}

	switch {
	case txMethod != "" && txData != "":
		return nil, errors.New("--method and --data are exclusive")
	case txMethod != "":
		tx.Data, err = contract.NewRegistry(nil).PackJSON(to, txMethod, txArgs)
	case txData != "":
		tx.Data, err = hexutil.Decode(txData)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a contract call",
	Long: `Builds a transaction calling --method with --args on --to, resolves the plugin and
token metadata, has the device sign it and prints the signed transaction`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		tx, err := buildTx()
		if err != nil {
			return err
		}
		raw, err := tx.SerializeUnsigned()
		if err != nil {
			return err
		}

		lc := resolution.LoadConfig{PluginBaseURL: cfg.PluginBaseURL, CryptoAssetsBaseURL: cfg.CryptoAssetsBaseURL}
		if cfg.Transport == "emulator" {
			// the emulator only trusts the test signing key
			if lc.ExtraPlugins, err = cal.TestPluginIndex(); err != nil {
				return err
			}
			lc.PluginBaseURL, lc.CryptoAssetsBaseURL = "", ""
		}
		res, err := resolution.Resolve(ctx, hexutil.Encode(raw), lc, resolution.Options{ExternalPlugins: true, ERC20: true})
		if err != nil {
			return err
		}
		log.Info("Resolved transaction", "plugins", res.Plugin, "tokens", len(res.Erc20Tokens))

		s, err := connect(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		sig, err := s.eth.SignTransaction(ctx, cfg.Path, hexutil.Encode(raw), res)
		if err != nil {
			return err
		}
		signed, err := tx.WithSignature(*sig)
		if err != nil {
			return err
		}
		from, err := types.Sender(tx.Signer(), signed)
		if err != nil {
			return err
		}
		enc, err := signed.MarshalBinary()
		if err != nil {
			return err
		}
		fmt.Println("from:", from.Hex())
		fmt.Println("hash:", signed.Hash().Hex())
		fmt.Println(hexutil.Encode(enc))
		return nil
	},
}
