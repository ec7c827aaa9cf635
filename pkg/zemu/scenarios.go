package zemu

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/kilnfi/go-ledger-kiln/pkg/contract"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethtx"
	"github.com/kilnfi/go-ledger-kiln/pkg/kiln"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
	"github.com/kilnfi/go-ledger-kiln/pkg/resolution"
)

// DefaultPath is the account scenarios sign with
const DefaultPath = "44'/60'/0'/0"

// Pool is the OCV2 pool the scenarios call
var Pool = common.HexToAddress("0x2e3956e1ee8b44ab826556770f69e3b9ca04a2a7")

// MultiClaimSchedule walks the multiClaim review to Accept and approves it
var MultiClaimSchedule = []int{4, 0}

// MultiClaimTx is a generic transaction calling multiClaim on both exit
// queues
func MultiClaimTx() (*ethtx.Tx, error) {
	data, err := contract.NewRegistry(nil).Pack(Pool, "multiClaim",
		[]common.Address{kiln.ExitQueues[1], kiln.ExitQueues[0]},
		[][]*big.Int{{big.NewInt(42), big.NewInt(47)}, {big.NewInt(150), big.NewInt(2)}},
		[][]uint32{{0, 1}, {0, 1}},
	)
	if err != nil {
		return nil, err
	}
	tx := ethtx.GenericTx()
	tx.To = &Pool
	tx.Value = big.NewInt(0)
	tx.Data = data
	return tx, nil
}

// MultiClaim resolves and signs MultiClaimTx, walking the review flow and
// comparing it with the snapshots stored under <path>/snapshots/<name>. The
// signature has to recover to the device account.
func MultiClaim(ctx context.Context, sim *Sim, eth *ledger.Ledger, path, name string) error {
	tx, err := MultiClaimTx()
	if err != nil {
		return err
	}
	raw, err := tx.SerializeUnsigned()
	if err != nil {
		return err
	}
	account, err := eth.GetAddress(ctx, DefaultPath, false, false)
	if err != nil {
		return err
	}
	res, err := resolution.Resolve(ctx, hexutil.Encode(raw), sim.LoadConfig(), resolution.Options{ExternalPlugins: true, ERC20: true})
	if err != nil {
		return err
	}
	if len(res.ExternalPlugin) != 1 || res.Plugin[0] != kiln.Name {
		return fmt.Errorf("zemu: unexpected resolution %+v", res)
	}

	type result struct {
		sig *ethtx.Signature
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := eth.SignTransaction(ctx, DefaultPath, hexutil.Encode(raw), res)
		done <- result{sig, err}
	}()

	if err := WaitForAppScreen(ctx, sim); err != nil {
		return err
	}
	if err := sim.NavigateAndCompareSnapshots(ctx, path, name, MultiClaimSchedule); err != nil {
		return err
	}

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	signed, err := tx.WithSignature(*r.sig)
	if err != nil {
		return err
	}
	from, err := types.Sender(tx.Signer(), signed)
	if err != nil {
		return err
	}
	if from != account.Address {
		return fmt.Errorf("zemu: signed by %s, want %s", from.Hex(), account.Address.Hex())
	}
	sim.logger.Debug("Signed multiClaim", "hash", signed.Hash())
	return nil
}
