package emulator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/kilnfi/go-ledger-kiln/cal"
	"github.com/kilnfi/go-ledger-kiln/pkg/contract"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethtx"
	"github.com/kilnfi/go-ledger-kiln/pkg/kiln"
	"github.com/kilnfi/go-ledger-kiln/pkg/ledger"
	"github.com/kilnfi/go-ledger-kiln/pkg/resolution"
	"github.com/stretchr/testify/require"
)

const testPath = "44'/60'/0'/0/0"

var pool = common.HexToAddress("0x2e3956e1ee8b44ab826556770f69e3b9ca04a2a7")

func boot(t *testing.T, model Model, cfg *Config) (*Device, *ledger.Ledger) {
	t.Helper()
	d, err := New(model, cfg)
	require.NoError(t, err)
	l := ledger.New(ledger.NewHIDTransport(d.Open(), nil), nil)
	t.Cleanup(func() {
		l.Close()
		d.Close()
	})
	return d, l
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func multiClaimTx(t *testing.T) *ethtx.Tx {
	t.Helper()
	data, err := contract.NewRegistry(nil).Pack(pool, "multiClaim",
		[]common.Address{kiln.ExitQueues[1], kiln.ExitQueues[0]},
		[][]*big.Int{{big.NewInt(42), big.NewInt(47)}, {big.NewInt(150), big.NewInt(2)}},
		[][]uint32{{0, 1}, {0, 1}},
	)
	require.NoError(t, err)
	tx := ethtx.GenericTx()
	tx.To = &pool
	tx.Value = big.NewInt(0)
	tx.Data = data
	return tx
}

func pluginResolution(t *testing.T, tx *ethtx.Tx) *resolution.Resolution {
	t.Helper()
	idx, err := cal.TestPluginIndex()
	require.NoError(t, err)
	sel, _ := tx.Selector()
	_, entry, ok := idx.Lookup(*tx.To, sel)
	require.True(t, ok)
	return &resolution.Resolution{
		ExternalPlugin: []resolution.PluginData{{Payload: entry.SerializedData, Signature: entry.Signature}},
	}
}

type signResult struct {
	sig *ethtx.Signature
	err error
}

func signAsync(ctx context.Context, l *ledger.Ledger, tx *ethtx.Tx, res *resolution.Resolution) (<-chan signResult, error) {
	raw, err := tx.SerializeUnsigned()
	if err != nil {
		return nil, err
	}
	out := make(chan signResult, 1)
	go func() {
		sig, err := l.SignTransaction(ctx, testPath, hexutil.Encode(raw), res)
		out <- signResult{sig, err}
	}()
	return out, nil
}

// review walks right through the review flow until stop is displayed and
// returns the screens seen on the way
func review(ctx context.Context, t *testing.T, d *Device, stop Screen) []Screen {
	t.Helper()
	_, err := d.WaitScreen(ctx, func(_ Screen, home bool) bool { return !home })
	require.NoError(t, err)
	var seen []Screen
	for i := 0; i < 20; i++ {
		s, err := d.Screen(ctx)
		require.NoError(t, err)
		seen = append(seen, s)
		if s.Equal(stop) {
			return seen
		}
		require.NoError(t, d.Press(ctx, ButtonRight))
	}
	t.Fatalf("%s never displayed, saw %v", stop, seen)
	return nil
}

func TestGetAddressKnownVector(t *testing.T) {
	ctx := testContext(t)
	_, l := boot(t, NanoS, &Config{
		Seed: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about",
	})
	addr, err := l.GetAddress(ctx, testPath, false, true)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94"), addr.Address)
	require.Len(t, addr.PublicKey, 65)
	require.Len(t, addr.ChainCode, 32)
}

func TestInvalidSeed(t *testing.T) {
	_, err := New(NanoS, &Config{Seed: "not a mnemonic"})
	require.Error(t, err)
}

func TestGetAppConfiguration(t *testing.T) {
	ctx := testContext(t)
	_, l := boot(t, NanoX, &Config{BlindSigning: true})
	cfg, err := l.GetAppConfiguration(ctx)
	require.NoError(t, err)
	require.Equal(t, DefaultVersion, cfg.Version)
	require.True(t, cfg.ArbitraryDataEnabled)
}

func TestGetAddressConfirm(t *testing.T) {
	ctx := testContext(t)
	d, l := boot(t, NanoSP, nil)

	done := make(chan error, 1)
	go func() {
		_, err := l.GetAddress(ctx, testPath, true, false)
		done <- err
	}()
	seen := review(ctx, t, d, screen("Approve"))
	require.Equal(t, screen("Verify", "address"), seen[0])
	require.Equal(t, "Address", seen[1].Lines[0])
	require.NoError(t, d.Press(ctx, ButtonBoth))
	require.NoError(t, <-done)

	home, err := d.OnHome(ctx)
	require.NoError(t, err)
	require.True(t, home)
}

func TestSignMultiClaim(t *testing.T) {
	ctx := testContext(t)
	d, l := boot(t, NanoS, nil)
	want, err := l.GetAddress(ctx, testPath, false, false)
	require.NoError(t, err)

	tx := multiClaimTx(t)
	res, err := signAsync(ctx, l, tx, pluginResolution(t, tx))
	require.NoError(t, err)

	seen := review(ctx, t, d, screen("Accept", "and send"))
	require.Equal(t, []Screen{
		screen("Review", "transaction"),
		screen("Coinbase", "Multi-Claim"),
		screen("Claim", "2 exit queues"),
		screen("Max Fees", "0.000021 ETH"),
		screen("Accept", "and send"),
	}, seen)
	require.NoError(t, d.Press(ctx, ButtonBoth))

	r := <-res
	require.NoError(t, r.err)
	signed, err := tx.WithSignature(*r.sig)
	require.NoError(t, err)
	from, err := types.Sender(tx.Signer(), signed)
	require.NoError(t, err)
	require.Equal(t, want.Address, from)

	s, err := d.Screen(ctx)
	require.NoError(t, err)
	require.Equal(t, screen("Ethereum", "is ready"), s)
}

func TestSignDynamicFeeOnTestnet(t *testing.T) {
	ctx := testContext(t)
	d, l := boot(t, NanoX, nil)
	want, err := l.GetAddress(ctx, testPath, false, false)
	require.NoError(t, err)

	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tx := &ethtx.Tx{
		Type:      types.DynamicFeeTxType,
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2_000_000_000),
		GasLimit:  21000,
		To:        &to,
		Value:     big.NewInt(500_000_000_000_000_000),
		ChainID:   big.NewInt(17000),
	}
	res, err := signAsync(ctx, l, tx, nil)
	require.NoError(t, err)

	seen := review(ctx, t, d, screen("Accept", "and send"))
	require.Equal(t, []Screen{
		screen("Review", "transaction"),
		screen("Amount", "0.5 ETH"),
		screen("Address", to.Hex()),
		screen("Max Fees", "0.000042 ETH"),
		screen("Network", "Holesky"),
		screen("Accept", "and send"),
	}, seen)
	require.NoError(t, d.Press(ctx, ButtonBoth))

	r := <-res
	require.NoError(t, r.err)
	require.LessOrEqual(t, r.sig.V, uint8(1))
	signed, err := tx.WithSignature(*r.sig)
	require.NoError(t, err)
	from, err := types.Sender(tx.Signer(), signed)
	require.NoError(t, err)
	require.Equal(t, want.Address, from)
}

func TestSignReject(t *testing.T) {
	ctx := testContext(t)
	d, l := boot(t, NanoS, nil)

	tx := multiClaimTx(t)
	res, err := signAsync(ctx, l, tx, pluginResolution(t, tx))
	require.NoError(t, err)

	review(ctx, t, d, screen("Reject"))
	require.NoError(t, d.Press(ctx, ButtonBoth))
	require.ErrorIs(t, (<-res).err, ledger.ErrUserRejected)
}

func TestSignWithoutPluginRefused(t *testing.T) {
	ctx := testContext(t)
	_, l := boot(t, NanoS, nil)

	res, err := signAsync(ctx, l, multiClaimTx(t), nil)
	require.NoError(t, err)
	require.ErrorIs(t, (<-res).err, ledger.ErrInvalidData)
}

func TestBlindSigning(t *testing.T) {
	ctx := testContext(t)
	d, l := boot(t, NanoS, &Config{BlindSigning: true})

	res, err := signAsync(ctx, l, multiClaimTx(t), nil)
	require.NoError(t, err)
	seen := review(ctx, t, d, screen("Accept", "and send"))
	require.Equal(t, screen("Blind", "Signing"), seen[1])
	require.NoError(t, d.Press(ctx, ButtonBoth))
	require.NoError(t, (<-res).err)
}

func TestSignERC20Transfer(t *testing.T) {
	ctx := testContext(t)
	d, l := boot(t, NanoS, nil)

	usdc := cal.Token{Ticker: "USDC", Address: common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"), Decimals: 6, ChainID: 1}
	signed := cal.SignTokens(cal.TestKey(), []cal.Token{usdc})
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")

	data := append([]byte{0xa9, 0x05, 0x9c, 0xbb}, common.LeftPadBytes(recipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(12_500_000).Bytes(), 32)...)
	tx := ethtx.GenericTx()
	tx.To = &usdc.Address
	tx.Value = big.NewInt(0)
	tx.Data = data

	res, err := signAsync(ctx, l, tx, &resolution.Resolution{Erc20Tokens: []string{signed[0].Data}})
	require.NoError(t, err)
	seen := review(ctx, t, d, screen("Accept", "and send"))
	require.Equal(t, screen("Amount", "12.5 USDC"), seen[1])
	require.Equal(t, screen("Address", recipient.Hex()), seen[2])
	require.NoError(t, d.Press(ctx, ButtonBoth))
	require.NoError(t, (<-res).err)
}

func TestPluginSignatureChecked(t *testing.T) {
	ctx := testContext(t)
	_, l := boot(t, NanoS, nil)

	other, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	payload := cal.PluginPayload(kiln.Name, pool, kiln.MethodMultiClaim.Selector())
	err = l.SetExternalPlugin(ctx, hexutil.Encode(payload), hexutil.Encode(cal.Sign(other, payload)))
	require.ErrorIs(t, err, ledger.ErrInvalidData)

	payload = cal.PluginPayload("Lido", pool, kiln.MethodMultiClaim.Selector())
	err = l.SetExternalPlugin(ctx, hexutil.Encode(payload), hexutil.Encode(cal.Sign(cal.TestKey(), payload)))
	require.ErrorIs(t, err, ledger.ErrPluginNotFound)
}

func TestUnknownInstruction(t *testing.T) {
	d, err := New(NanoS, nil)
	require.NoError(t, err)
	defer d.Close()

	require.Equal(t, []byte{0x6d, 0x00}, d.Exchange([]byte{ledger.CLA, 0x42, 0, 0, 0}))
	require.Equal(t, []byte{0x6e, 0x00}, d.Exchange([]byte{0xb0, ledger.InsGetAppConfiguration, 0, 0, 0}))
	require.Equal(t, []byte{0x6b, 0x00}, d.Exchange([]byte{ledger.CLA, ledger.InsSign, 0x42, 0, 0}))
}

func TestTxLength(t *testing.T) {
	raw, err := ethtx.GenericTx().SerializeUnsigned()
	require.NoError(t, err)
	_, known := txLength(nil)
	require.False(t, known)
	n, known := txLength(raw[:1])
	require.True(t, known)
	require.Equal(t, len(raw), n)

	long, err := multiClaimTx(t).SerializeUnsigned()
	require.NoError(t, err)
	_, known = txLength(long[:2])
	require.False(t, known)
	n, known = txLength(long[:4])
	require.True(t, known)
	require.Equal(t, len(long), n)

	typed := append([]byte{types.DynamicFeeTxType}, long...)
	n, known = txLength(typed[:5])
	require.True(t, known)
	require.Equal(t, len(typed), n)
}

func TestPressOutsideFlow(t *testing.T) {
	ctx := testContext(t)
	d, err := New(NanoS, nil)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Press(ctx, ButtonLeft))
	s, err := d.Screen(ctx)
	require.NoError(t, err)
	require.Equal(t, screen("Ethereum", "is ready"), s)

	require.NoError(t, d.Press(ctx, ButtonRight))
	s, err = d.Screen(ctx)
	require.NoError(t, err)
	require.Equal(t, screen("Version", DefaultVersion), s)
}

func TestRender(t *testing.T) {
	for _, m := range Models {
		img := Render(m, screen("Claim", "2 exit queues"))
		require.Equal(t, m.Width, img.Bounds().Dx())
		require.Equal(t, m.Height, img.Bounds().Dy())

		lit := 0
		for _, p := range img.Pix {
			if p != 0 {
				lit++
			}
		}
		require.NotZero(t, lit, m.Name)
	}
	blank := Render(NanoS, Screen{})
	for _, p := range blank.Pix {
		require.Zero(t, p)
	}
}

func TestModelByName(t *testing.T) {
	m, err := ModelByName("NanoSP")
	require.NoError(t, err)
	require.Equal(t, NanoSP, m)
	_, err = ModelByName("stax")
	require.Error(t, err)
}

func TestCloseRejectsPendingReview(t *testing.T) {
	ctx := testContext(t)
	d, err := New(NanoS, nil)
	require.NoError(t, err)
	l := ledger.New(ledger.NewHIDTransport(d.Open(), nil), nil)
	defer l.Close()

	tx := multiClaimTx(t)
	res, err := signAsync(ctx, l, tx, pluginResolution(t, tx))
	require.NoError(t, err)
	_, err = d.WaitScreen(ctx, func(_ Screen, home bool) bool { return !home })
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.Error(t, (<-res).err)
}
