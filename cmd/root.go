package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/internal/config"
	"github.com/spf13/cobra"
)

var cfg *config.Config

// Persistent flags, applied over the configuration file
var (
	cfgFile      string
	transport    string
	speculosAddr string
	model        string
	seed         string
	nodePath     string
	verbosity    int
	recordFile   string
	autoApprove  bool
	blindSigning bool
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "TOML configuration file")
	pf.StringVarP(&transport, "transport", "t", config.Defaults.Transport, "emulator, hid, webusb or speculos")
	pf.StringVar(&speculosAddr, "speculos", config.Defaults.SpeculosAddr, "Speculos APDU server address")
	pf.StringVarP(&model, "model", "m", config.Defaults.Model, "emulated model: nanos, nanox or nanosp")
	pf.StringVar(&seed, "seed", "", "mnemonic of the emulated device")
	pf.StringVarP(&nodePath, "nodePath", "p", config.Defaults.Path, "BIP44 nodepath")
	pf.IntVarP(&verbosity, "verbosity", "v", 3, "log level: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace")
	pf.StringVar(&recordFile, "record", "", "write the APDU exchanges to this file")
	pf.BoolVarP(&autoApprove, "yes", "y", false, "approve every review on the emulated device")
	pf.BoolVar(&blindSigning, "blind", false, "enable blind signing on the emulated device")
}

var rootCmd = &cobra.Command{
	Use:               "kilnctl",
	Short:             "Talk to the Ethereum app of a Ledger device or an emulated one",
	Long:              "kilnctl signs Kiln and Coinbase OCV2 staking transactions with a Ledger device, Speculos or a built in emulator",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func setup(cmd *cobra.Command, args []string) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(verbosity), true)))

	var err error
	if cfg, err = config.Load(cfgFile); err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Changed("speculos") {
		cfg.SpeculosAddr = speculosAddr
	}
	if flags.Changed("model") {
		cfg.Model = model
	}
	if flags.Changed("seed") {
		cfg.Seed = seed
	}
	if flags.Changed("nodePath") {
		cfg.Path = nodePath
	}
	if flags.Changed("blind") {
		cfg.BlindSigning = blindSigning
	}
	log.Debug("Configuration loaded", "file", cfgFile, "transport", cfg.Transport)
	return nil
}

// Execute runs the command line
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
