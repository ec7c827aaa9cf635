package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethtx"
	"github.com/kilnfi/go-ledger-kiln/pkg/resolution"
)

// maxChunk is the largest APDU data field
const maxChunk = 0xff

// SIGN P1 values
const (
	P1FirstChunk byte = 0x00
	P1MoreChunks byte = 0x80
)

// AppConfiguration flags
const (
	FlagArbitraryData   byte = 0x01
	FlagERC20Provision  byte = 0x02
	FlagStarkEnabled    byte = 0x04
	FlagStarkV2Supports byte = 0x08
)

// AppConfiguration describes the running Ethereum app
type AppConfiguration struct {
	ArbitraryDataEnabled       bool
	ERC20ProvisioningNecessary bool
	StarkEnabled               bool
	StarkV2Supported           bool
	Version                    string
}

// GetAppConfiguration returns the app flags and version
func (l *Ledger) GetAppConfiguration(ctx context.Context) (*AppConfiguration, error) {
	data, err := l.Exchange(ctx, APDU{CLA: CLA, INS: InsGetAppConfiguration})
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, ErrShortResponse
	}
	return &AppConfiguration{
		ArbitraryDataEnabled:       data[0]&FlagArbitraryData != 0,
		ERC20ProvisioningNecessary: data[0]&FlagERC20Provision != 0,
		StarkEnabled:               data[0]&FlagStarkEnabled != 0,
		StarkV2Supported:           data[0]&FlagStarkV2Supports != 0,
		Version:                    fmt.Sprintf("%d.%d.%d", data[1], data[2], data[3]),
	}, nil
}

// Address is the account at a derivation path
type Address struct {
	PublicKey []byte
	Address   common.Address
	ChainCode []byte
}

// GetAddress derives the account at path. With display set the user has to
// confirm the address on the device.
func (l *Ledger) GetAddress(ctx context.Context, path string, display, chainCode bool) (*Address, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	a := APDU{CLA: CLA, INS: InsGetPublicKey, Data: SerializePath(p)}
	if display {
		a.P1 = 0x01
	}
	if chainCode {
		a.P2 = 0x01
	}
	data, err := l.Exchange(ctx, a)
	if err != nil {
		return nil, err
	}

	// [pubkey length][pubkey][address length][address as ascii hex][chain code]
	if len(data) < 1 || len(data) < 1+int(data[0])+1 {
		return nil, ErrShortResponse
	}
	pk := int(data[0])
	res := &Address{PublicKey: data[1 : 1+pk]}
	rest := data[1+pk:]
	n := int(rest[0])
	if len(rest) < 1+n || n != 2*common.AddressLength {
		return nil, ErrShortResponse
	}
	res.Address = common.HexToAddress(string(rest[1 : 1+n]))
	rest = rest[1+n:]
	if chainCode {
		if len(rest) < 32 {
			return nil, ErrShortResponse
		}
		res.ChainCode = rest[:32]
	}
	return res, nil
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// SetExternalPlugin routes the next transaction to the plugin described by
// the signed payload
func (l *Ledger) SetExternalPlugin(ctx context.Context, payload, signature string) error {
	p, err := decodeHex(payload)
	if err != nil {
		return fmt.Errorf("ledger: plugin payload: %w", err)
	}
	s, err := decodeHex(signature)
	if err != nil {
		return fmt.Errorf("ledger: plugin signature: %w", err)
	}
	_, err = l.Exchange(ctx, APDU{CLA: CLA, INS: InsSetExternalPlugin, Data: append(p, s...)})
	return err
}

// ProvideERC20TokenInformation registers a signed token descriptor for the
// next transaction
func (l *Ledger) ProvideERC20TokenInformation(ctx context.Context, data string) error {
	d, err := decodeHex(data)
	if err != nil {
		return fmt.Errorf("ledger: token data: %w", err)
	}
	_, err = l.Exchange(ctx, APDU{CLA: CLA, INS: InsProvideERC20, Data: d})
	return err
}

// SignChunks splits a SIGN request into APDUs. The first one carries the
// derivation path.
func SignChunks(path []uint32, raw []byte) []APDU {
	buf := append(SerializePath(path), raw...)
	var out []APDU
	for p1 := P1FirstChunk; len(buf) > 0; p1 = P1MoreChunks {
		n := len(buf)
		if n > maxChunk {
			n = maxChunk
		}
		out = append(out, APDU{CLA: CLA, INS: InsSign, P1: p1, Data: buf[:n]})
		buf = buf[n:]
	}
	return out
}

// SignTransaction provides the resolution metadata then signs the hex
// encoded unsigned transaction. The call blocks until the user approves or
// rejects it on the device.
func (l *Ledger) SignTransaction(ctx context.Context, path, rawTxHex string, res *resolution.Resolution) (*ethtx.Signature, error) {
	p, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	raw, err := decodeHex(rawTxHex)
	if err != nil {
		return nil, fmt.Errorf("ledger: raw transaction: %w", err)
	}

	if res != nil {
		for _, plugin := range res.ExternalPlugin {
			if err := l.SetExternalPlugin(ctx, plugin.Payload, plugin.Signature); err != nil {
				return nil, fmt.Errorf("ledger: setting external plugin: %w", err)
			}
		}
		for _, token := range res.Erc20Tokens {
			if err := l.ProvideERC20TokenInformation(ctx, token); err != nil {
				return nil, fmt.Errorf("ledger: providing token: %w", err)
			}
		}
	}

	var data []byte
	for _, a := range SignChunks(p, raw) {
		if data, err = l.Exchange(ctx, a); err != nil {
			return nil, err
		}
	}
	if len(data) != 65 {
		return nil, fmt.Errorf("%w: signature of %d bytes", ErrShortResponse, len(data))
	}
	sig := &ethtx.Signature{V: data[0]}
	copy(sig.R[:], data[1:33])
	copy(sig.S[:], data[33:65])
	l.logger.Debug("Transaction signed", "path", path, "v", sig.V)
	return sig, nil
}
