package ledger

import (
	"errors"

	"github.com/ethereum/go-ethereum/log"
	"github.com/karalabe/hid"
)

// VendorID is the USB vendor id of Ledger devices
const VendorID uint16 = 0x2c97

const (
	hidUsagePage = 0xffa0
	hidInterface = 0
)

var ErrNoDevice = errors.New("ledger: no device detected")

// EnumerateHID lists the APDU interfaces of connected Ledger devices
func EnumerateHID() []hid.DeviceInfo {
	var devices []hid.DeviceInfo
	for _, info := range hid.Enumerate(VendorID, 0) {
		// usage page on macOS and windows, interface number on linux
		if info.UsagePage == hidUsagePage || info.Interface == hidInterface {
			devices = append(devices, info)
		}
	}
	return devices
}

// OpenHID connects to the first Ledger found over HID
func OpenHID(logger log.Logger) (*HIDTransport, error) {
	if !hid.Supported() {
		return nil, errors.New("ledger: hid not supported on this platform")
	}
	for _, info := range EnumerateHID() {
		device, err := info.Open()
		if err != nil {
			if logger != nil {
				logger.Debug("Unable to open HID device", "path", info.Path, "err", err)
			}
			continue
		}
		return NewHIDTransport(device, logger), nil
	}
	return nil, ErrNoDevice
}
