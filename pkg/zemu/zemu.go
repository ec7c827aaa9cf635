// Package zemu runs end to end scenarios against emulated devices: it boots
// a device per model, connects a Ledger client to it, drives the buttons and
// compares the screens with stored snapshots.
package zemu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/kilnfi/go-ledger-kiln/pkg/emulator"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
	"github.com/kilnfi/go-ledger-kiln/pkg/resolution"
	"github.com/kilnfi/go-ledger-kiln/pkg/snapshot"
)

// DefaultTimeout bounds a whole scenario
const DefaultTimeout = 30000 * time.Millisecond

// NanoModels lists the models scenarios run on
var NanoModels = []emulator.Model{emulator.NanoS, emulator.NanoX, emulator.NanoSP}

// Options configures a simulation
type Options struct {
	Device *emulator.Config
	Update bool

	// Formats lists the baselines screens are checked against, text and
	// PNG when empty
	Formats []snapshot.Format

	// Tokens are signed with the test key and served next to the plugin index
	Tokens []cal.Token

	Logger log.Logger
}

// Defaults is used by Run
var Defaults Options

func (o Options) formats() []snapshot.Format {
	if len(o.Formats) == 0 {
		return []snapshot.Format{snapshot.Text, snapshot.PNG}
	}
	return o.Formats
}

// Sim is a running emulated device along with the metadata services it trusts
type Sim struct {
	*emulator.Device
	opts   Options
	cal    *httptest.Server
	logger log.Logger
}

// Start boots a device and connects a Ledger client to it
func Start(model emulator.Model, opts Options) (*Sim, *ledger.Ledger, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Root()
	}
	cfg := emulator.Config{}
	if opts.Device != nil {
		cfg = *opts.Device
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	dev, err := emulator.New(model, &cfg)
	if err != nil {
		return nil, nil, err
	}
	srv, err := serveCAL(opts.Tokens)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	sim := &Sim{Device: dev, opts: opts, cal: srv, logger: logger.With("model", model.Name)}
	eth := ledger.New(ledger.NewHIDTransport(dev.Open(), logger), &ledger.Config{Logger: logger})
	return sim, eth, nil
}

// serveCAL publishes the test plugin index and token list
func serveCAL(tokens []cal.Token) (*httptest.Server, error) {
	idx, err := cal.TestPluginIndex()
	if err != nil {
		return nil, err
	}
	signed := cal.SignTokens(cal.TestKey(), tokens)
	mux := http.NewServeMux()
	mux.HandleFunc("/plugins/ethereum.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(idx)
	})
	mux.HandleFunc("/evm/", func(w http.ResponseWriter, r *http.Request) {
		var chain uint32
		if _, err := fmt.Sscanf(r.URL.Path, "/evm/%d/erc20.json", &chain); err != nil {
			http.NotFound(w, r)
			return
		}
		list := []cal.SignedToken{}
		for _, t := range signed {
			if t.ChainID == chain {
				list = append(list, t)
			}
		}
		json.NewEncoder(w).Encode(list)
	})
	return httptest.NewServer(mux), nil
}

// LoadConfig points resolution at the services of the simulation
func (s *Sim) LoadConfig() resolution.LoadConfig {
	return resolution.LoadConfig{
		PluginBaseURL:       s.cal.URL,
		CryptoAssetsBaseURL: s.cal.URL,
	}
}

// Close stops the device and its services
func (s *Sim) Close() error {
	s.cal.Close()
	return s.Device.Close()
}

// Body is a scenario
type Body func(ctx context.Context, sim *Sim, eth *ledger.Ledger) error

// Run starts a device, runs body under a timeout and tears everything down.
// A zero timeout uses DefaultTimeout.
func Run(t testing.TB, model emulator.Model, body Body, timeout time.Duration) {
	t.Helper()
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	sim, eth, err := Start(model, Defaults)
	if err != nil {
		t.Fatalf("starting %s: %v", model, err)
	}
	defer func() {
		eth.Close()
		sim.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := body(ctx, sim, eth); err != nil {
		t.Fatalf("%s: %v", model, err)
	}
}

// WaitForAppScreen waits until the device leaves its idle screens
func WaitForAppScreen(ctx context.Context, sim *Sim) error {
	_, err := sim.WaitScreen(ctx, func(_ emulator.Screen, home bool) bool { return !home })
	return err
}

// NavigateAndCompareSnapshots follows schedule, where a positive entry
// clicks right that many times and zero clicks both buttons. The initial
// screen and the screen after every click are compared with the baselines
// in <path>/snapshots/<name>, once per format.
func (s *Sim) NavigateAndCompareSnapshots(ctx context.Context, path, name string, schedule []int) error {
	shots, err := s.navigate(ctx, schedule)
	if err != nil {
		return err
	}
	for _, f := range s.opts.formats() {
		c := &snapshot.Comparator{
			Dir:    filepath.Join(path, "snapshots"),
			Update: s.opts.Update,
			Format: f,
		}
		if err := c.Compare(name, shots); err != nil {
			return fmt.Errorf("%s %s snapshots: %w", s.Model().Name, f, err)
		}
	}
	return nil
}

func (s *Sim) navigate(ctx context.Context, schedule []int) ([]snapshot.Shot, error) {
	var shots []snapshot.Shot
	capture := func() error {
		img, scr, err := s.Snapshot(ctx)
		if err != nil {
			return err
		}
		s.logger.Trace("Captured screen", "index", len(shots), "screen", scr)
		shots = append(shots, snapshot.Shot{Text: scr.Text(), Image: img})
		return nil
	}

	if err := capture(); err != nil {
		return nil, err
	}
	for _, n := range schedule {
		if n < 0 {
			return nil, fmt.Errorf("zemu: invalid schedule entry %d", n)
		}
		presses, button := n, emulator.ButtonRight
		if n == 0 {
			presses, button = 1, emulator.ButtonBoth
		}
		for i := 0; i < presses; i++ {
			if err := s.Press(ctx, button); err != nil {
				return nil, err
			}
			if err := capture(); err != nil {
				return nil, err
			}
		}
	}
	return shots, nil
}
