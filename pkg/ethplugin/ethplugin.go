// Package ethplugin defines the contract between the Ethereum app and the
// external plugins it dispatches contract calls to.
//
// A plugin is selected by name when the host provides a signed external plugin
// payload. For each transaction the app initializes the plugin with the call
// selector, streams the calldata one 32 byte parameter at a time, finalizes it
// and then queries the screens to display during review.
package ethplugin

import (
	"encoding/binary"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// ParameterLength is the size of each calldata word handed to a plugin
	ParameterLength = 32

	// SelectorLength is the size of the function selector prefixing calldata
	SelectorLength = 4

	// Ticker is the native currency label shown on screens
	Ticker = "ETH"

	// WeiDecimals is the number of decimals of the native currency
	WeiDecimals = 18
)

// ErrLengthOverflow is returned when a length parameter does not fit its
// expected integer width.
var ErrLengthOverflow = errors.New("ethplugin: length parameter overflow")

// TxContent is the read only view of the transaction shared with plugins.
type TxContent struct {
	Nonce   uint64
	To      common.Address
	Value   *big.Int
	ChainID *big.Int
}

// Plugin is an installed plugin, addressed by the name carried in the signed
// external plugin payload.
type Plugin interface {
	Name() string
	InitContract(selector [SelectorLength]byte, tx *TxContent) (Contract, error)
}

// Contract is the per transaction state of a plugin.
type Contract interface {
	ProvideParameter(parameter [ParameterLength]byte, offset uint32) error
	Finalize() (Finalization, error)
	QueryContractID() ContractID
	QueryContractUI(screen int) (Screen, error)
}

// Finalization reports how many plugin screens the review flow must show and
// which tokens, if any, the app should look up for the plugin.
type Finalization struct {
	NumScreens   int
	TokenLookup1 *common.Address
	TokenLookup2 *common.Address
}

// ContractID is shown on the screen right after "Review transaction".
type ContractID struct {
	Name    string
	Version string
}

// Screen is a single two line plugin screen.
type Screen struct {
	Title string
	Msg   string
}

// U2BE reads a uint16 stored big endian in the last two bytes of a parameter.
// All other bytes must be zero.
func U2BE(parameter [ParameterLength]byte) (uint16, error) {
	for _, b := range parameter[:ParameterLength-2] {
		if b != 0 {
			return 0, ErrLengthOverflow
		}
	}
	return binary.BigEndian.Uint16(parameter[ParameterLength-2:]), nil
}

// U4BE reads a uint32 stored big endian in the last four bytes of a parameter.
// All other bytes must be zero.
func U4BE(parameter [ParameterLength]byte) (uint32, error) {
	for _, b := range parameter[:ParameterLength-4] {
		if b != 0 {
			return 0, ErrLengthOverflow
		}
	}
	return binary.BigEndian.Uint32(parameter[ParameterLength-4:]), nil
}

// CopyAddress extracts the right aligned address from a parameter.
func CopyAddress(parameter [ParameterLength]byte) common.Address {
	return common.BytesToAddress(parameter[ParameterLength-common.AddressLength:])
}

// AmountToString formats a big endian amount of up to 32 bytes with the given
// number of decimals and appends the ticker. Trailing zero decimals are dropped.
func AmountToString(amount []byte, decimals int, ticker string) string {
	v := new(uint256.Int).SetBytes(amount)
	digits := v.Dec()
	if decimals > 0 {
		if len(digits) <= decimals {
			digits = strings.Repeat("0", decimals-len(digits)+1) + digits
		}
		split := len(digits) - decimals
		whole, frac := digits[:split], strings.TrimRight(digits[split:], "0")
		digits = whole
		if frac != "" {
			digits += "." + frac
		}
	}
	if ticker == "" {
		return digits
	}
	return digits + " " + ticker
}

// BigToString is AmountToString for a big.Int. Nil is formatted as zero.
func BigToString(amount *big.Int, decimals int, ticker string) string {
	if amount == nil {
		return AmountToString(nil, decimals, ticker)
	}
	return AmountToString(amount.Bytes(), decimals, ticker)
}
