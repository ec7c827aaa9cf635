// Package emulator runs the Ethereum app of a Ledger Nano in process. The
// emulated device speaks the HID framing of real devices, shows the review
// flow on a virtual display and is driven by virtual button presses.
package emulator

import (
	"context"
	"fmt"
	"image"
	"io"
	"net"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
	"github.com/kilnfi/go-ledger-kiln/pkg/kiln"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
)

// DefaultVersion is the reported Ethereum app version
const DefaultVersion = "1.10.3"

// Config specifies the emulated device. Zero values pick the defaults: the
// Speculos seed, the test crypto asset list key and the Kiln plugin.
type Config struct {
	Seed         string
	CALPublicKey *btcec.PublicKey
	Plugins      []ethplugin.Plugin
	BlindSigning bool
	Version      string
	Logger       log.Logger
}

// Device is an emulated Nano running the Ethereum app
type Device struct {
	model   Model
	cfg     Config
	version [3]byte
	master  *hdkeychain.ExtendedKey
	plugins map[string]ethplugin.Plugin
	ui      *ui
	logger  log.Logger

	apduMu sync.Mutex // one command at a time, guards app
	app    appState

	mu        sync.Mutex
	conns     []net.Conn
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New boots a device
func New(model Model, cfg *Config) (*Device, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Seed == "" {
		c.Seed = DefaultSeed
	}
	if c.CALPublicKey == nil {
		c.CALPublicKey = cal.TestKey().PubKey()
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Logger == nil {
		c.Logger = log.Root()
	}
	logger := c.Logger.With("device", model.Name)
	if c.Plugins == nil {
		c.Plugins = []ethplugin.Plugin{kiln.New(&kiln.Config{Logger: logger})}
	}

	d := &Device{
		model:   model,
		cfg:     c,
		plugins: make(map[string]ethplugin.Plugin, len(c.Plugins)),
		logger:  logger,
	}
	if _, err := fmt.Sscanf(c.Version, "%d.%d.%d", &d.version[0], &d.version[1], &d.version[2]); err != nil {
		return nil, fmt.Errorf("emulator: invalid version %q: %w", c.Version, err)
	}
	for _, p := range c.Plugins {
		d.plugins[p.Name()] = p
	}
	master, err := masterKey(c.Seed)
	if err != nil {
		return nil, err
	}
	d.master = master

	d.ui = newUI([]step{
		{screen: screen("Ethereum", "is ready")},
		{screen: screen("Version", c.Version)},
		{screen: screen("Quit")},
	}, logger)
	logger.Debug("Device booted", "model", model, "version", c.Version)
	return d, nil
}

// Model returns the emulated model
func (d *Device) Model() Model {
	return d.model
}

// Open returns a new HID connection to the device
func (d *Device) Open() io.ReadWriteCloser {
	host, dev := net.Pipe()
	d.mu.Lock()
	d.conns = append(d.conns, dev)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.serve(dev)
	return host
}

func (d *Device) serve(conn net.Conn) {
	defer d.wg.Done()
	defer conn.Close()
	for {
		msg, err := ledger.ReadFramed(conn)
		if err != nil {
			return
		}
		resp := d.Exchange(msg)
		if err := ledger.WriteFramed(conn, resp); err != nil {
			return
		}
	}
}

// Exchange processes one raw APDU and returns the response followed by the
// status word
func (d *Device) Exchange(raw []byte) []byte {
	d.apduMu.Lock()
	defer d.apduMu.Unlock()

	d.logger.Trace("APDU received", "apdu", hexutil.Encode(raw))
	data, sw := d.dispatch(raw)
	if sw != ledger.SWOK {
		d.logger.Debug("APDU failed", "sw", fmt.Sprintf("%04x", sw))
	}
	return ledger.WithStatus(data, sw)
}

func (d *Device) dispatch(raw []byte) ([]byte, uint16) {
	a, err := ledger.DecodeAPDU(raw)
	if err != nil {
		return nil, ledger.SWWrongLength
	}
	if a.CLA != ledger.CLA {
		return nil, ledger.SWClaNotSupported
	}
	switch a.INS {
	case ledger.InsGetAppConfiguration:
		return d.getAppConfiguration()
	case ledger.InsGetPublicKey:
		return d.getAddress(a)
	case ledger.InsSign:
		return d.sign(a)
	case ledger.InsSetExternalPlugin:
		return d.setExternalPlugin(a)
	case ledger.InsProvideERC20:
		return d.provideERC20(a)
	}
	return nil, ledger.SWInsNotSupported
}

// Press presses a button and returns once the display is updated
func (d *Device) Press(ctx context.Context, b Button) error {
	return d.ui.Press(ctx, b)
}

// Screen returns the displayed screen
func (d *Device) Screen(ctx context.Context) (Screen, error) {
	st, err := d.ui.state(ctx)
	return st.screen, err
}

// OnHome reports whether the idle flow is displayed
func (d *Device) OnHome(ctx context.Context) (bool, error) {
	st, err := d.ui.state(ctx)
	return st.home, err
}

// WaitScreen blocks until cond holds for the displayed screen
func (d *Device) WaitScreen(ctx context.Context, cond func(s Screen, home bool) bool) (Screen, error) {
	return d.ui.waitScreen(ctx, cond)
}

// Snapshot renders the displayed screen
func (d *Device) Snapshot(ctx context.Context) (*image.Gray, Screen, error) {
	s, err := d.Screen(ctx)
	if err != nil {
		return nil, Screen{}, err
	}
	return Render(d.model, s), s, nil
}

// Close stops the device. A pending review is rejected.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.ui.close()
		d.mu.Lock()
		for _, c := range d.conns {
			c.Close()
		}
		d.mu.Unlock()
		d.wg.Wait()
	})
	return nil
}
