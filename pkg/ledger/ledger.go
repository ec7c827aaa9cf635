// Package ledger is a client for the Ethereum app of Ledger devices.
package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

// Ledger is a connection to the Ethereum app of a device
type Ledger struct {
	transport Transport
	logger    log.Logger
}

// Config specifies optional attributes of a Ledger connection
type Config struct {
	Logger log.Logger
}

// New wraps an open transport
func New(t Transport, cfg *Config) *Ledger {
	l := &Ledger{transport: t, logger: log.Root()}
	if cfg != nil && cfg.Logger != nil {
		l.logger = cfg.Logger
	}
	return l
}

// Open connects to the first device reachable over the given transport type.
// addr is only used by Speculos.
func Open(ctx context.Context, kind TransportType, addr string, cfg *Config) (*Ledger, error) {
	var logger log.Logger
	if cfg != nil {
		logger = cfg.Logger
	}
	var (
		t   Transport
		err error
	)
	switch kind {
	case TransportHID:
		t, err = OpenHID(logger)
	case TransportWebUSB:
		t, err = OpenWebUSB(logger)
	case TransportSpeculos:
		t, err = DialSpeculos(ctx, addr, logger)
	default:
		err = fmt.Errorf("ledger: unknown transport %d", kind)
	}
	if err != nil {
		return nil, err
	}
	return New(t, cfg), nil
}

// Exchange sends a command and returns the response data. Non success status
// words are returned as StatusError.
func (l *Ledger) Exchange(ctx context.Context, a APDU) ([]byte, error) {
	raw, err := a.Encode()
	if err != nil {
		return nil, err
	}
	l.logger.Trace("Sending APDU", "apdu", hexutil.Encode(raw))

	resp, err := l.transport.Exchange(ctx, raw)
	if err != nil {
		return nil, err
	}
	data, sw, err := SplitStatus(resp)
	if err != nil {
		return nil, err
	}
	l.logger.Trace("Received reply", "sw", fmt.Sprintf("%04x", sw), "data", hexutil.Encode(data))
	if sw != SWOK {
		return nil, StatusError(sw)
	}
	return data, nil
}

// Close releases the transport
func (l *Ledger) Close() error {
	return l.transport.Close()
}
