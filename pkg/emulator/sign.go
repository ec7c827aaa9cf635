package emulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethtx"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
)

var errBlindSigning = errors.New("emulator: blind signing disabled")

// erc20TransferSelector is transfer(address,uint256)
var erc20TransferSelector = [4]byte{0xa9, 0x05, 0x9c, 0xbb}

var networks = map[uint64]string{
	5:        "Goerli",
	56:       "BSC",
	137:      "Polygon",
	17000:    "Holesky",
	11155111: "Sepolia",
}

func networkName(chainID *big.Int) string {
	if !chainID.IsUint64() {
		return chainID.String()
	}
	if name, ok := networks[chainID.Uint64()]; ok {
		return name
	}
	return chainID.String()
}

// signState accumulates the chunks of a SIGN command
type signState struct {
	active bool
	path   []uint32
	buf    []byte
}

func (d *Device) sign(a ledger.APDU) ([]byte, uint16) {
	st := &d.app.sign
	switch {
	case a.P2 != 0:
		return nil, ledger.SWWrongP1P2
	case a.P1 == ledger.P1FirstChunk:
		path, rest, err := ledger.DeserializePath(a.Data)
		if err != nil {
			*st = signState{}
			return nil, ledger.SWInvalidData
		}
		*st = signState{active: true, path: path, buf: append([]byte(nil), rest...)}
	case a.P1 == ledger.P1MoreChunks:
		if !st.active {
			return nil, ledger.SWInvalidData
		}
		st.buf = append(st.buf, a.Data...)
	default:
		return nil, ledger.SWWrongP1P2
	}

	total, known := txLength(st.buf)
	switch {
	case !known || len(st.buf) < total:
		return nil, ledger.SWOK
	case len(st.buf) > total:
		*st = signState{}
		return nil, ledger.SWInvalidData
	}
	path, raw := st.path, st.buf
	*st = signState{}
	return d.reviewAndSign(path, raw)
}

// txLength returns the size of the transaction once its RLP list header has
// been received. Typed transactions carry one extra leading byte.
func txLength(b []byte) (int, bool) {
	off := 0
	if len(b) > 0 && b[0] < 0xc0 {
		off = 1
	}
	if len(b) <= off {
		return 0, false
	}
	p := b[off]
	switch {
	case p < 0xc0:
		// not a list, let the decoder reject it
		return len(b), true
	case p <= 0xf7:
		return off + 1 + int(p-0xc0), true
	}
	n := int(p - 0xf7)
	if len(b) < off+1+n {
		return 0, false
	}
	size := 0
	for _, c := range b[off+1 : off+1+n] {
		size = size<<8 | int(c)
	}
	return off + 1 + n + size, true
}

func (d *Device) reviewAndSign(path []uint32, raw []byte) ([]byte, uint16) {
	plugin, tokens := d.app.plugin, d.app.tokens
	d.app.plugin, d.app.tokens = nil, nil

	tx, err := ethtx.Decode(raw)
	if err != nil {
		d.logger.Debug("Invalid transaction", "err", err)
		return nil, ledger.SWInvalidData
	}
	screens, err := d.describe(tx, plugin, tokens)
	if err != nil {
		d.logger.Debug("Transaction refused", "err", err)
		return nil, ledger.SWInvalidData
	}

	ok, err := d.ui.confirm(context.Background(), screens, screen("Accept", "and send"), screen("Reject"))
	if err != nil || !ok {
		d.logger.Debug("Transaction rejected", "err", err)
		return nil, ledger.SWUserRejected
	}

	key, _, err := derive(d.master, path)
	if err != nil {
		return nil, ledger.SWInvalidData
	}
	sig, err := crypto.Sign(ethtx.SigningHash(raw).Bytes(), key)
	if err != nil {
		return nil, ledger.SWInvalidData
	}
	v := sig[crypto.RecoveryIDOffset]
	if tx.Type == types.LegacyTxType {
		eip155 := new(big.Int).Mul(tx.ChainID, big.NewInt(2))
		eip155.Add(eip155, big.NewInt(35+int64(v)))
		v = byte(eip155.Uint64())
	}
	out := make([]byte, 0, 65)
	out = append(out, v)
	out = append(out, sig[:64]...)
	d.logger.Debug("Transaction signed", "to", tx.To, "nonce", tx.Nonce)
	return out, ledger.SWOK
}

// describe builds the review screens of a transaction
func (d *Device) describe(tx *ethtx.Tx, plugin *pluginSelection, tokens []cal.Token) ([]Screen, error) {
	screens := []Screen{screen("Review", "transaction")}
	selector, hasCall := tx.Selector()

	switch {
	case len(tx.Data) == 0:
		screens = append(screens,
			screen("Amount", ethplugin.BigToString(tx.Value, ethplugin.WeiDecimals, ethplugin.Ticker)),
			screen("Address", addressText(tx.To)))
	case plugin != nil && hasCall && tx.To != nil && *tx.To == plugin.contract && selector == plugin.selector:
		ps, err := runPlugin(plugin.plugin, tx, selector)
		if err != nil {
			return nil, err
		}
		screens = append(screens, ps...)
	case hasCall && selector == erc20TransferSelector && findToken(tokens, tx.To) != nil && len(tx.Data) == 4+2*ethplugin.ParameterLength:
		tok := findToken(tokens, tx.To)
		var to, amount [ethplugin.ParameterLength]byte
		copy(to[:], tx.Data[4:])
		copy(amount[:], tx.Data[4+ethplugin.ParameterLength:])
		recipient := ethplugin.CopyAddress(to)
		screens = append(screens,
			screen("Amount", ethplugin.AmountToString(amount[:], int(tok.Decimals), tok.Ticker)),
			screen("Address", addressText(&recipient)))
	case d.cfg.BlindSigning:
		screens = append(screens,
			screen("Blind", "Signing"),
			screen("Amount", ethplugin.BigToString(tx.Value, ethplugin.WeiDecimals, ethplugin.Ticker)),
			screen("Address", addressText(tx.To)))
	default:
		return nil, errBlindSigning
	}

	screens = append(screens, screen("Max Fees", ethplugin.BigToString(tx.MaxFee(), ethplugin.WeiDecimals, ethplugin.Ticker)))
	if tx.ChainID.Cmp(common.Big1) != 0 {
		screens = append(screens, screen("Network", networkName(tx.ChainID)))
	}
	return screens, nil
}

func findToken(tokens []cal.Token, addr *common.Address) *cal.Token {
	if addr == nil {
		return nil
	}
	for i := range tokens {
		if tokens[i].Address == *addr {
			return &tokens[i]
		}
	}
	return nil
}

func addressText(addr *common.Address) string {
	if addr == nil {
		return "Contract creation"
	}
	return addr.Hex()
}

// runPlugin streams the calldata through the plugin and collects its screens
func runPlugin(p ethplugin.Plugin, tx *ethtx.Tx, selector [ethplugin.SelectorLength]byte) ([]Screen, error) {
	c, err := p.InitContract(selector, tx.Content())
	if err != nil {
		return nil, err
	}
	args := tx.Data[ethplugin.SelectorLength:]
	if len(args)%ethplugin.ParameterLength != 0 {
		return nil, fmt.Errorf("emulator: calldata is not a multiple of %d bytes", ethplugin.ParameterLength)
	}
	for off := 0; off < len(args); off += ethplugin.ParameterLength {
		var word [ethplugin.ParameterLength]byte
		copy(word[:], args[off:])
		if err := c.ProvideParameter(word, uint32(ethplugin.SelectorLength+off)); err != nil {
			return nil, err
		}
	}
	fin, err := c.Finalize()
	if err != nil {
		return nil, err
	}
	id := c.QueryContractID()
	screens := []Screen{screen(id.Name, id.Version)}
	for i := 0; i < fin.NumScreens; i++ {
		s, err := c.QueryContractUI(i)
		if err != nil {
			return nil, err
		}
		screens = append(screens, screen(s.Title, s.Msg))
	}
	return screens, nil
}
