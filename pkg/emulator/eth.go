package emulator

import (
	"context"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
)

// maxTokens is how many token descriptors the app keeps for a transaction
const maxTokens = 5

// appState is the Ethereum app memory carried between APDUs
type appState struct {
	sign   signState
	plugin *pluginSelection
	tokens []cal.Token
}

// pluginSelection is the external plugin set for the next transaction
type pluginSelection struct {
	plugin   ethplugin.Plugin
	contract common.Address
	selector [ethplugin.SelectorLength]byte
}

func (d *Device) getAppConfiguration() ([]byte, uint16) {
	var flags byte
	if d.cfg.BlindSigning {
		flags |= ledger.FlagArbitraryData
	}
	return []byte{flags, d.version[0], d.version[1], d.version[2]}, ledger.SWOK
}

func (d *Device) getAddress(a ledger.APDU) ([]byte, uint16) {
	if a.P1 > 1 || a.P2 > 1 {
		return nil, ledger.SWWrongP1P2
	}
	path, rest, err := ledger.DeserializePath(a.Data)
	if err != nil || len(rest) != 0 {
		return nil, ledger.SWInvalidData
	}
	key, chainCode, err := derive(d.master, path)
	if err != nil {
		return nil, ledger.SWInvalidData
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)

	if a.P1 == 1 {
		ok, err := d.ui.confirm(context.Background(),
			[]Screen{screen("Verify", "address"), screen("Address", addr.Hex())},
			screen("Approve"), screen("Reject"))
		if err != nil || !ok {
			return nil, ledger.SWUserRejected
		}
	}

	pub := crypto.FromECDSAPub(&key.PublicKey)
	out := append([]byte{byte(len(pub))}, pub...)
	hexAddr := hex.EncodeToString(addr.Bytes())
	out = append(out, byte(len(hexAddr)))
	out = append(out, hexAddr...)
	if a.P2 == 1 {
		out = append(out, chainCode...)
	}
	return out, ledger.SWOK
}

func (d *Device) setExternalPlugin(a ledger.APDU) ([]byte, uint16) {
	if len(a.Data) < 1 {
		return nil, ledger.SWInvalidData
	}
	n := 1 + int(a.Data[0]) + common.AddressLength + ethplugin.SelectorLength
	if len(a.Data) <= n {
		return nil, ledger.SWInvalidData
	}
	payload, sig := a.Data[:n], a.Data[n:]
	if err := cal.Verify(d.cfg.CALPublicKey, payload, sig); err != nil {
		d.logger.Debug("External plugin rejected", "err", err)
		return nil, ledger.SWInvalidData
	}
	name, addr, selector, err := cal.ParsePluginPayload(payload)
	if err != nil {
		return nil, ledger.SWInvalidData
	}
	p, ok := d.plugins[name]
	if !ok {
		d.logger.Debug("Plugin not installed", "name", name)
		return nil, ledger.SWPluginNotFound
	}
	d.app.plugin = &pluginSelection{plugin: p, contract: addr, selector: selector}
	d.logger.Debug("External plugin set", "name", name, "contract", addr.Hex())
	return nil, ledger.SWOK
}

func (d *Device) provideERC20(a ledger.APDU) ([]byte, uint16) {
	tok, sig, err := cal.ParseToken(a.Data)
	if err != nil {
		return nil, ledger.SWInvalidData
	}
	if err := cal.Verify(d.cfg.CALPublicKey, tok.Payload(), sig); err != nil {
		d.logger.Debug("Token rejected", "ticker", tok.Ticker, "err", err)
		return nil, ledger.SWInvalidData
	}
	if len(d.app.tokens) == maxTokens {
		d.app.tokens = d.app.tokens[1:]
	}
	d.app.tokens = append(d.app.tokens, tok)
	return []byte{byte(len(d.app.tokens) - 1)}, ledger.SWOK
}
