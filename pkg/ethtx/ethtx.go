// Package ethtx builds, serializes and decodes the unsigned transactions
// exchanged with the Ethereum app.
package ethtx

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
)

var (
	ErrEmpty           = errors.New("ethtx: empty transaction")
	ErrUnsupportedType = errors.New("ethtx: unsupported transaction type")
	ErrNoChainID       = errors.New("ethtx: missing chain id")
	ErrEIP155Fields    = errors.New("ethtx: non zero EIP-155 placeholder")
)

// Tx is an unsigned transaction. Type selects the envelope: GasPrice is used
// by legacy transactions, GasTipCap and GasFeeCap by dynamic fee ones.
type Tx struct {
	Type      uint8
	Nonce     uint64
	GasPrice  *big.Int
	GasTipCap *big.Int
	GasFeeCap *big.Int
	GasLimit  uint64
	To        *common.Address
	Value     *big.Int
	Data      []byte
	ChainID   *big.Int
}

// Signature is the (v, r, s) triple returned by the device. For legacy
// transactions V is the low byte of chainId*2+35+recid, for typed ones it is
// the recovery id.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// GenericTx returns the base transaction used by tests: a 1 ETH transfer on
// mainnet with a 21000 gas limit at 1 gwei.
func GenericTx() *Tx {
	to := common.Address{}
	return &Tx{
		Type:     types.LegacyTxType,
		Nonce:    0,
		GasPrice: big.NewInt(params.GWei),
		GasLimit: 21000,
		To:       &to,
		Value:    big.NewInt(params.Ether),
		ChainID:  big.NewInt(1),
	}
}

type legacyRLP struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int
	Zero1    uint
	Zero2    uint
}

// legacyDecodeRLP also accepts pre EIP-155 payloads
type legacyDecodeRLP struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       *common.Address `rlp:"nil"`
	Value    *big.Int
	Data     []byte
	ChainID  *big.Int `rlp:"optional"`
	Zero1    *big.Int `rlp:"optional"`
	Zero2    *big.Int `rlp:"optional"`
}

type dynamicFeeRLP struct {
	ChainID    *big.Int
	Nonce      uint64
	GasTipCap  *big.Int
	GasFeeCap  *big.Int
	Gas        uint64
	To         *common.Address `rlp:"nil"`
	Value      *big.Int
	Data       []byte
	AccessList types.AccessList
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// SerializeUnsigned returns the canonical unsigned encoding of the
// transaction, the bytes streamed to the device.
func (tx *Tx) SerializeUnsigned() ([]byte, error) {
	if tx.ChainID == nil {
		return nil, ErrNoChainID
	}
	switch tx.Type {
	case types.LegacyTxType:
		return rlp.EncodeToBytes(&legacyRLP{
			Nonce:    tx.Nonce,
			GasPrice: orZero(tx.GasPrice),
			Gas:      tx.GasLimit,
			To:       tx.To,
			Value:    orZero(tx.Value),
			Data:     tx.Data,
			ChainID:  tx.ChainID,
		})
	case types.DynamicFeeTxType:
		payload, err := rlp.EncodeToBytes(&dynamicFeeRLP{
			ChainID:    tx.ChainID,
			Nonce:      tx.Nonce,
			GasTipCap:  orZero(tx.GasTipCap),
			GasFeeCap:  orZero(tx.GasFeeCap),
			Gas:        tx.GasLimit,
			To:         tx.To,
			Value:      orZero(tx.Value),
			Data:       tx.Data,
			AccessList: types.AccessList{},
		})
		if err != nil {
			return nil, err
		}
		return append([]byte{types.DynamicFeeTxType}, payload...), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, tx.Type)
}

// Decode parses an unsigned transaction produced by SerializeUnsigned
func Decode(raw []byte) (*Tx, error) {
	if len(raw) == 0 {
		return nil, ErrEmpty
	}
	if raw[0] >= 0xc0 {
		var dec legacyDecodeRLP
		if err := rlp.DecodeBytes(raw, &dec); err != nil {
			return nil, fmt.Errorf("ethtx: decoding legacy transaction: %w", err)
		}
		if dec.ChainID == nil {
			return nil, ErrNoChainID
		}
		if (dec.Zero1 != nil && dec.Zero1.Sign() != 0) || (dec.Zero2 != nil && dec.Zero2.Sign() != 0) {
			return nil, ErrEIP155Fields
		}
		return &Tx{
			Type:     types.LegacyTxType,
			Nonce:    dec.Nonce,
			GasPrice: dec.GasPrice,
			GasLimit: dec.Gas,
			To:       dec.To,
			Value:    dec.Value,
			Data:     dec.Data,
			ChainID:  dec.ChainID,
		}, nil
	}
	if raw[0] != types.DynamicFeeTxType {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, raw[0])
	}
	var dec dynamicFeeRLP
	if err := rlp.DecodeBytes(raw[1:], &dec); err != nil {
		return nil, fmt.Errorf("ethtx: decoding dynamic fee transaction: %w", err)
	}
	return &Tx{
		Type:      types.DynamicFeeTxType,
		Nonce:     dec.Nonce,
		GasTipCap: dec.GasTipCap,
		GasFeeCap: dec.GasFeeCap,
		GasLimit:  dec.Gas,
		To:        dec.To,
		Value:     dec.Value,
		Data:      dec.Data,
		ChainID:   dec.ChainID,
	}, nil
}

// SigningHash is the digest the device signs
func SigningHash(raw []byte) common.Hash {
	return crypto.Keccak256Hash(raw)
}

// MaxFee is the most the transaction can spend on gas
func (tx *Tx) MaxFee() *big.Int {
	price := tx.GasPrice
	if tx.Type == types.DynamicFeeTxType {
		price = tx.GasFeeCap
	}
	return new(big.Int).Mul(orZero(price), new(big.Int).SetUint64(tx.GasLimit))
}

// Selector returns the function selector of the calldata, if any
func (tx *Tx) Selector() ([ethplugin.SelectorLength]byte, bool) {
	var sel [ethplugin.SelectorLength]byte
	if len(tx.Data) < ethplugin.SelectorLength {
		return sel, false
	}
	copy(sel[:], tx.Data)
	return sel, true
}

// Content is the view of the transaction handed to plugins
func (tx *Tx) Content() *ethplugin.TxContent {
	c := &ethplugin.TxContent{
		Nonce:   tx.Nonce,
		Value:   orZero(tx.Value),
		ChainID: orZero(tx.ChainID),
	}
	if tx.To != nil {
		c.To = *tx.To
	}
	return c
}

// Signer returns the go-ethereum signer matching the transaction envelope
func (tx *Tx) Signer() types.Signer {
	if tx.Type == types.DynamicFeeTxType {
		return types.NewLondonSigner(tx.ChainID)
	}
	return types.NewEIP155Signer(tx.ChainID)
}

func (tx *Tx) geth() *types.Transaction {
	if tx.Type == types.DynamicFeeTxType {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   tx.ChainID,
			Nonce:     tx.Nonce,
			GasTipCap: orZero(tx.GasTipCap),
			GasFeeCap: orZero(tx.GasFeeCap),
			Gas:       tx.GasLimit,
			To:        tx.To,
			Value:     orZero(tx.Value),
			Data:      tx.Data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		GasPrice: orZero(tx.GasPrice),
		Gas:      tx.GasLimit,
		To:       tx.To,
		Value:    orZero(tx.Value),
		Data:     tx.Data,
	})
}

// RecoveryID extracts the recovery id from a device signature
func (tx *Tx) RecoveryID(sig Signature) (byte, error) {
	if tx.Type == types.DynamicFeeTxType {
		if sig.V > 1 {
			return 0, fmt.Errorf("ethtx: invalid recovery id %d", sig.V)
		}
		return sig.V, nil
	}
	base := new(big.Int).Mul(tx.ChainID, big.NewInt(2))
	base.Add(base, big.NewInt(35))
	recid := sig.V - byte(base.Uint64())
	if recid > 1 {
		return 0, fmt.Errorf("ethtx: invalid v %d for chain %s", sig.V, tx.ChainID)
	}
	return recid, nil
}

// WithSignature assembles the signed go-ethereum transaction
func (tx *Tx) WithSignature(sig Signature) (*types.Transaction, error) {
	recid, err := tx.RecoveryID(sig)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, crypto.SignatureLength)
	copy(raw[:32], sig.R[:])
	copy(raw[32:64], sig.S[:])
	raw[64] = recid
	return tx.geth().WithSignature(tx.Signer(), raw)
}
