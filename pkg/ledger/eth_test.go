package ledger

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/kilnfi/go-ledger-kiln/pkg/resolution"
	"github.com/stretchr/testify/require"
)

// scripted answers commands from a handler and keeps them for inspection
type scripted struct {
	sent    []APDU
	handler func(APDU) ([]byte, uint16)
}

func (s *scripted) Exchange(_ context.Context, raw []byte) ([]byte, error) {
	a, err := DecodeAPDU(raw)
	if err != nil {
		return nil, err
	}
	a.Data = append([]byte(nil), a.Data...)
	s.sent = append(s.sent, a)
	data, sw := s.handler(a)
	return WithStatus(data, sw), nil
}

func (s *scripted) Close() error { return nil }

func TestGetAppConfiguration(t *testing.T) {
	s := &scripted{handler: func(a APDU) ([]byte, uint16) {
		return []byte{FlagArbitraryData | FlagERC20Provision, 1, 10, 3}, SWOK
	}}
	cfg, err := New(s, nil).GetAppConfiguration(context.Background())
	require.NoError(t, err)
	require.True(t, cfg.ArbitraryDataEnabled)
	require.True(t, cfg.ERC20ProvisioningNecessary)
	require.False(t, cfg.StarkEnabled)
	require.Equal(t, "1.10.3", cfg.Version)
	require.Equal(t, InsGetAppConfiguration, s.sent[0].INS)
}

func TestGetAddress(t *testing.T) {
	addr := common.HexToAddress("0x9858EfFD232B4033E47d90003D41EC34EcaEda94")
	pub := bytes.Repeat([]byte{4}, 65)
	chainCode := bytes.Repeat([]byte{9}, 32)

	s := &scripted{handler: func(a APDU) ([]byte, uint16) {
		out := append([]byte{65}, pub...)
		out = append(out, 40)
		out = append(out, []byte(hex.EncodeToString(addr.Bytes()))...)
		if a.P2 == 1 {
			out = append(out, chainCode...)
		}
		return out, SWOK
	}}
	l := New(s, nil)

	res, err := l.GetAddress(context.Background(), "44'/60'/0'/0/0", true, true)
	require.NoError(t, err)
	require.Equal(t, addr, res.Address)
	require.Equal(t, pub, res.PublicKey)
	require.Equal(t, chainCode, res.ChainCode)
	require.Equal(t, byte(1), s.sent[0].P1)
	require.Equal(t, byte(5), s.sent[0].Data[0])

	res, err = l.GetAddress(context.Background(), "44'/60'/0'/0/0", false, false)
	require.NoError(t, err)
	require.Nil(t, res.ChainCode)

	_, err = l.GetAddress(context.Background(), "bad", false, false)
	require.ErrorIs(t, err, ErrInvalidPath)
}

func TestSignChunks(t *testing.T) {
	path := []uint32{0x8000002c, 0x8000003c, 0x80000000, 0}
	raw := bytes.Repeat([]byte{0xcc}, 800)
	chunks := SignChunks(path, raw)

	require.Len(t, chunks, 4)
	require.Equal(t, P1FirstChunk, chunks[0].P1)
	require.Equal(t, SerializePath(path), chunks[0].Data[:17])
	var joined []byte
	for i, c := range chunks {
		require.LessOrEqual(t, len(c.Data), 255)
		if i > 0 {
			require.Equal(t, P1MoreChunks, c.P1)
		}
		joined = append(joined, c.Data...)
	}
	require.Equal(t, append(SerializePath(path), raw...), joined)
}

func TestSignTransaction(t *testing.T) {
	sig := append([]byte{0x25}, bytes.Repeat([]byte{0x11}, 64)...)
	s := &scripted{handler: func(a APDU) ([]byte, uint16) {
		if a.INS == InsSign && len(a.Data) < 255 {
			return sig, SWOK
		}
		return nil, SWOK
	}}

	res := &resolution.Resolution{
		ExternalPlugin: []resolution.PluginData{{Payload: "0102", Signature: "0x0304"}},
		Erc20Tokens:    []string{"05"},
	}
	got, err := New(s, nil).SignTransaction(context.Background(), "44'/60'/0'/0", hex.EncodeToString(make([]byte, 400)), res)
	require.NoError(t, err)
	require.Equal(t, byte(0x25), got.V)
	require.Equal(t, bytes.Repeat([]byte{0x11}, 32), got.R[:])

	require.Len(t, s.sent, 4)
	require.Equal(t, InsSetExternalPlugin, s.sent[0].INS)
	require.Equal(t, []byte{1, 2, 3, 4}, s.sent[0].Data)
	require.Equal(t, InsProvideERC20, s.sent[1].INS)
	require.Equal(t, InsSign, s.sent[2].INS)
	require.Equal(t, P1MoreChunks, s.sent[3].P1)
}

func TestSignTransactionRejected(t *testing.T) {
	s := &scripted{handler: func(a APDU) ([]byte, uint16) {
		if a.INS == InsSetExternalPlugin {
			return nil, SWPluginNotFound
		}
		return nil, SWUserRejected
	}}
	l := New(s, nil)

	_, err := l.SignTransaction(context.Background(), "44'/60'/0'/0", "c0", nil)
	require.ErrorIs(t, err, ErrUserRejected)

	_, err = l.SignTransaction(context.Background(), "44'/60'/0'/0", "c0", &resolution.Resolution{
		ExternalPlugin: []resolution.PluginData{{Payload: "01", Signature: "02"}},
	})
	require.ErrorIs(t, err, ErrPluginNotFound)

	_, err = l.SignTransaction(context.Background(), "44'/60'/0'/0", "zz", nil)
	require.Error(t, err)
}

func TestReplay(t *testing.T) {
	s := &scripted{handler: func(a APDU) ([]byte, uint16) {
		return []byte{a.INS}, SWOK
	}}
	rec := NewRecorder(s)
	l := New(rec, nil)
	_, err := l.Exchange(context.Background(), APDU{CLA: CLA, INS: 0x06})
	require.NoError(t, err)
	_, err = l.Exchange(context.Background(), APDU{CLA: CLA, INS: 0x02})
	require.NoError(t, err)

	record := rec.Record()
	require.Len(t, record.Exchanges, 2)
	require.Equal(t, "e006000000", record.Exchanges[0].Command)
	require.Equal(t, "069000", record.Exchanges[0].Response)
	require.NoError(t, Replay(context.Background(), s, record))

	record.Exchanges[1].Response = "ff9000"
	require.ErrorIs(t, Replay(context.Background(), s, record), ErrReplayMismatch)
}
