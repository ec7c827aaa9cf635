package zemu

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/kilnfi/go-ledger-kiln/pkg/emulator"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
	"github.com/kilnfi/go-ledger-kiln/pkg/resolution"
	"github.com/kilnfi/go-ledger-kiln/pkg/snapshot"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var update = flag.Bool("update", false, "update snapshots")

func TestMain(m *testing.M) {
	flag.Parse()
	Defaults.Update = *update
	os.Exit(m.Run())
}

func TestMultiClaimV2(t *testing.T) {
	for _, m := range NanoModels {
		m := m
		t.Run(m.Name, func(t *testing.T) {
			t.Parallel()
			Run(t, m, func(ctx context.Context, sim *Sim, eth *ledger.Ledger) error {
				return MultiClaim(ctx, sim, eth, ".", m.Name+"_multiClaimv2")
			}, 0)
		})
	}
}

func TestMultiClaimV2AllModelsAtOnce(t *testing.T) {
	if *update {
		t.Skip("baselines are written by TestMultiClaimV2")
	}
	g, ctx := errgroup.WithContext(context.Background())
	for _, m := range NanoModels {
		m := m
		g.Go(func() error {
			sim, eth, err := Start(m, Options{})
			if err != nil {
				return err
			}
			defer func() {
				eth.Close()
				sim.Close()
			}()
			ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
			defer cancel()
			if err := MultiClaim(ctx, sim, eth, ".", m.Name+"_multiClaimv2"); err != nil {
				return fmt.Errorf("%s: %w", m, err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestMultiClaimV2MissingBaselines(t *testing.T) {
	if *update {
		t.Skip("would write baselines")
	}
	sim, eth, err := Start(NanoModels[0], Options{})
	require.NoError(t, err)
	defer func() {
		eth.Close()
		sim.Close()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	err = MultiClaim(ctx, sim, eth, ".", "nanos_missing")
	require.Error(t, err)
}

func TestMultiClaimV2BaselinesArePerModel(t *testing.T) {
	if *update {
		t.Skip("would overwrite the nanos baselines")
	}
	sim, eth, err := Start(emulator.NanoX, Options{Formats: []snapshot.Format{snapshot.PNG}})
	require.NoError(t, err)
	defer func() {
		eth.Close()
		sim.Close()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	// a Nano X screen is twice as tall as the Nano S baseline
	err = MultiClaim(ctx, sim, eth, ".", "nanos_multiClaimv2")
	require.ErrorIs(t, err, snapshot.ErrSizeMismatch)
}

func TestMultiClaimV2Reject(t *testing.T) {
	Run(t, NanoModels[0], func(ctx context.Context, sim *Sim, eth *ledger.Ledger) error {
		tx, err := MultiClaimTx()
		if err != nil {
			return err
		}
		raw, err := tx.SerializeUnsigned()
		if err != nil {
			return err
		}
		res, err := resolution.Resolve(ctx, hexutil.Encode(raw), sim.LoadConfig(), resolution.Options{ExternalPlugins: true})
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() {
			_, err := eth.SignTransaction(ctx, DefaultPath, hexutil.Encode(raw), res)
			done <- err
		}()
		if err := WaitForAppScreen(ctx, sim); err != nil {
			return err
		}
		// Reject sits right after Accept
		if _, err := sim.navigate(ctx, []int{5, 0}); err != nil {
			return err
		}
		if err := <-done; !errors.Is(err, ledger.ErrUserRejected) {
			return fmt.Errorf("got %v, want rejection", err)
		}
		return nil
	}, 0)
}

func TestNavigateRejectsNegativeSchedule(t *testing.T) {
	sim, eth, err := Start(NanoModels[0], Options{})
	require.NoError(t, err)
	defer func() {
		eth.Close()
		sim.Close()
	}()
	_, err = sim.navigate(context.Background(), []int{-1})
	require.Error(t, err)
}
