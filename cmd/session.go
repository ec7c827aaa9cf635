package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/kilnfi/go-ledger-kiln/pkg/emulator"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
	"github.com/manifoldco/promptui"
)

// session is an open connection to a device, emulated or not
type session struct {
	eth       *ledger.Ledger
	transport ledger.Transport
	dev       *emulator.Device
	rec       *ledger.Recorder
	cancel    context.CancelFunc
}

func openTransport(ctx context.Context) (ledger.Transport, *emulator.Device, error) {
	logger := log.Root()
	switch cfg.Transport {
	case "emulator":
		m, err := emulator.ModelByName(cfg.Model)
		if err != nil {
			return nil, nil, err
		}
		dev, err := emulator.New(m, &emulator.Config{Seed: cfg.Seed, BlindSigning: cfg.BlindSigning, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return ledger.NewHIDTransport(dev.Open(), logger), dev, nil
	case "hid":
		t, err := ledger.OpenHID(logger)
		return t, nil, err
	case "webusb":
		t, err := ledger.OpenWebUSB(logger)
		return t, nil, err
	case "speculos":
		t, err := ledger.DialSpeculos(ctx, cfg.SpeculosAddr, logger)
		return t, nil, err
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// connect opens the configured device. Reviews on an emulated device are
// driven from the terminal.
func connect(ctx context.Context) (*session, error) {
	t, dev, err := openTransport(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{transport: t, dev: dev}
	if recordFile != "" {
		s.rec = ledger.NewRecorder(t)
		t = s.rec
	}
	s.eth = ledger.New(t, &ledger.Config{Logger: log.Root()})
	if dev != nil {
		var driveCtx context.Context
		driveCtx, s.cancel = context.WithCancel(ctx)
		go drive(driveCtx, dev, autoApprove)
	}
	return s, nil
}

func (s *session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	var errs []error
	if s.rec != nil {
		data, err := json.MarshalIndent(s.rec.Record(), "", "  ")
		if err == nil {
			err = os.WriteFile(recordFile, data, 0o644)
		}
		errs = append(errs, err)
	}
	errs = append(errs, s.eth.Close())
	if s.dev != nil {
		errs = append(errs, s.dev.Close())
	}
	return errors.Join(errs...)
}

var buttons = []emulator.Button{emulator.ButtonRight, emulator.ButtonLeft, emulator.ButtonBoth}

// drive shows every review screen of dev and asks which button to press
func drive(ctx context.Context, dev *emulator.Device, approve bool) {
	cyan := color.New(color.FgCyan).Add(color.Bold).SprintFunc()
	magenta := color.New(color.FgMagenta).FprintFunc()
	for {
		s, err := dev.WaitScreen(ctx, func(_ emulator.Screen, home bool) bool { return !home })
		if err != nil {
			return
		}
		magenta(os.Stderr, fmt.Sprintf("[%s] ", dev.Model()))
		fmt.Fprintln(os.Stderr, cyan(s.String()))

		b := emulator.ButtonRight
		switch {
		case approve && len(s.Lines) > 0 && s.Lines[0] == "Accept", approve && len(s.Lines) > 0 && s.Lines[0] == "Approve":
			b = emulator.ButtonBoth
		case !approve:
			sel := promptui.Select{Label: "Button", Items: buttons}
			i, _, err := sel.Run()
			if err != nil {
				// interrupted, reject whatever is pending
				dev.Close()
				return
			}
			b = buttons[i]
		}
		if err := dev.Press(ctx, b); err != nil {
			return
		}
	}
}
