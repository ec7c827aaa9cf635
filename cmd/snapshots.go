package cmd

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/pkg/emulator"
	"github.com/kilnfi/go-ledger-kiln/pkg/snapshot"
	"github.com/kilnfi/go-ledger-kiln/pkg/zemu"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	snapshotDir     string
	snapshotFormats []string
	snapshotCheck   bool
)

func init() {
	f := snapshotsCmd.Flags()
	f.StringVarP(&snapshotDir, "out", "o", "", "directory holding snapshots/, defaults to the configured SnapshotDir")
	f.StringSliceVar(&snapshotFormats, "format", []string{"text", "png"}, "snapshot formats to write or check (text, png)")
	f.BoolVar(&snapshotCheck, "check", false, "compare with the stored snapshots instead of writing them")
	rootCmd.AddCommand(snapshotsCmd)
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots [model...]",
	Short: "Run the multiClaim review on emulated devices and write the snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		models := zemu.NanoModels
		if len(args) > 0 {
			models = nil
			for _, name := range args {
				m, err := emulator.ModelByName(name)
				if err != nil {
					return err
				}
				models = append(models, m)
			}
		}
		dir := snapshotDir
		if dir == "" {
			dir = cfg.SnapshotDir
		}
		opts := zemu.Options{Update: !snapshotCheck, Logger: log.Root()}
		for _, name := range snapshotFormats {
			f, err := snapshot.ParseFormat(name)
			if err != nil {
				return err
			}
			opts.Formats = append(opts.Formats, f)
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		for _, m := range models {
			m := m
			g.Go(func() error {
				sim, eth, err := zemu.Start(m, opts)
				if err != nil {
					return err
				}
				defer func() {
					eth.Close()
					sim.Close()
				}()
				ctx, cancel := context.WithTimeout(ctx, zemu.DefaultTimeout)
				defer cancel()
				if err := zemu.MultiClaim(ctx, sim, eth, dir, m.Name+"_multiClaimv2"); err != nil {
					return fmt.Errorf("%s: %w", m, err)
				}
				log.Info("Snapshots done", "model", m.Name, "dir", dir)
				return nil
			})
		}
		return g.Wait()
	},
}
