package ledger

import (
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/gousb"
)

// WebUSB interface options
const (
	webUSBInterface = 2
	webUSBEndpoint  = 3
)

// webUSBEndpoints holds the endpoints of the claimed interface and everything
// that must be released once done with the device
type webUSBEndpoints struct {
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	intf *gousb.Interface
	cfg  *gousb.Config
	dev  *gousb.Device
	ctx  *gousb.Context
}

// implements io.Reader
func (w *webUSBEndpoints) Read(p []byte) (n int, err error) {
	return w.in.Read(p)
}

// implements io.Writer
func (w *webUSBEndpoints) Write(p []byte) (n int, err error) {
	return w.out.Write(p)
}

// implements io.Closer
func (w *webUSBEndpoints) Close() error {
	w.intf.Close()
	err := w.cfg.Close()
	w.dev.Close()
	w.ctx.Close()
	return err
}

// OpenWebUSB connects to the first Ledger found over WebUSB
func OpenWebUSB(logger log.Logger) (*HIDTransport, error) {
	ctx := gousb.NewContext()
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == VendorID
	})
	if err != nil && len(devices) == 0 {
		ctx.Close()
		return nil, err
	}

	var found *webUSBEndpoints
	for _, d := range devices {
		if found != nil {
			d.Close()
			continue
		}
		ep, err := claimEndpoints(d, webUSBInterface, webUSBEndpoint)
		if err != nil {
			if logger != nil {
				logger.Debug("Unable to claim WebUSB interface", "device", d.String(), "err", err)
			}
			d.Close()
			continue
		}
		ep.ctx = ctx
		found = ep
	}
	if found == nil {
		ctx.Close()
		return nil, ErrNoDevice
	}
	return NewHIDTransport(found, logger), nil
}

// claimEndpoints claims and returns the usb endpoints for a given interface
func claimEndpoints(d *gousb.Device, intfNum int, epNum int) (*webUSBEndpoints, error) {
	if err := d.SetAutoDetach(true); err != nil {
		return nil, err
	}
	cfg, err := d.Config(1)
	if err != nil {
		return nil, err
	}
	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		return nil, err
	}
	in, err := intf.InEndpoint(epNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	out, err := intf.OutEndpoint(epNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}
	return &webUSBEndpoints{in: in, out: out, intf: intf, cfg: cfg, dev: d}, nil
}
