// Package kiln implements the Kiln on-chain v2 (OCV2) pooled staking plugin
// for the Ethereum app.
//
// Supported calls:
//
//	stake()
//	requestExit(uint256 amount)
//	multiClaim(address[] exitQueues, uint256[][] ticketIds, uint32[][] casksIds)
//	claim(uint256[] ticketIds, uint32[] caskIds, uint16 maxClaimDepth)
package kiln

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
)

// Name is the name the plugin is registered under in the Ethereum app
const Name = "Coinbase"

// Method enumerates the supported contract calls
type Method int

const (
	MethodStake Method = iota
	MethodRequestExit
	MethodMultiClaim
	MethodClaim
)

// Selectors of the supported calls, indexed by Method
var Selectors = [...]uint32{
	MethodStake:       0x3a4b66f1, // stake()
	MethodRequestExit: 0x721c6513, // requestExit(uint256)
	MethodMultiClaim:  0xb7ba18c7, // multiClaim(address[],uint256[][],uint32[][])
	MethodClaim:       0xadcf1163, // claim(uint256[],uint32[],uint16)
}

var methodNames = [...]string{
	MethodStake:       "stake",
	MethodRequestExit: "requestExit",
	MethodMultiClaim:  "multiClaim",
	MethodClaim:       "claim",
}

// String returns the solidity name of the method
func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("Method(%d)", int(m))
	}
	return methodNames[m]
}

// Selector returns the 4 byte function selector of the method
func (m Method) Selector() [ethplugin.SelectorLength]byte {
	var sel [ethplugin.SelectorLength]byte
	binary.BigEndian.PutUint32(sel[:], Selectors[m])
	return sel
}

// ExitQueues lists the OCV2 exit queues a multiClaim may reference
var ExitQueues = []common.Address{
	common.HexToAddress("0x8d6Fd650500f82c7D978a440348e5a9b886943bF"), // Kiln
	common.HexToAddress("0x86358F7B33b599c484e0335B8Ee4f7f7f92d8b60"), // Coinbase
}

var (
	ErrUnknownSelector     = errors.New("kiln: selector not supported")
	ErrUnexpectedParameter = errors.New("kiln: unexpected parameter")
	ErrUnknownExitQueue    = errors.New("kiln: unknown exit queue")
	ErrOffsetMismatch      = errors.New("kiln: offset mismatch")
	ErrIncomplete          = errors.New("kiln: calldata not fully parsed")
	ErrUnknownScreen       = errors.New("kiln: screen index out of range")
)

// MethodFromSelector looks up the method for a function selector
func MethodFromSelector(selector [ethplugin.SelectorLength]byte) (Method, error) {
	sel := binary.BigEndian.Uint32(selector[:])
	for m, s := range Selectors {
		if s == sel {
			return Method(m), nil
		}
	}
	return 0, fmt.Errorf("%w: %#08x", ErrUnknownSelector, sel)
}

// IsExitQueue reports whether addr is a known OCV2 exit queue
func IsExitQueue(addr common.Address) bool {
	for _, q := range ExitQueues {
		if q == addr {
			return true
		}
	}
	return false
}

// Plugin is the installable plugin. It is safe to share between devices, all
// per transaction state lives in the Contract returned by InitContract.
type Plugin struct {
	logger log.Logger
}

// Config holds optional plugin settings
type Config struct {
	Logger log.Logger
}

// New returns the plugin. A nil config uses the root logger.
func New(cfg *Config) *Plugin {
	p := &Plugin{logger: log.Root()}
	if cfg != nil && cfg.Logger != nil {
		p.logger = cfg.Logger
	}
	return p
}

// Name implements ethplugin.Plugin
func (p *Plugin) Name() string {
	return Name
}

// InitContract implements ethplugin.Plugin
func (p *Plugin) InitContract(selector [ethplugin.SelectorLength]byte, tx *ethplugin.TxContent) (ethplugin.Contract, error) {
	method, err := MethodFromSelector(selector)
	if err != nil {
		p.logger.Debug("Plugin init rejected", "selector", fmt.Sprintf("%x", selector))
		return nil, err
	}
	c := &contract{
		method: method,
		tx:     tx,
		logger: p.logger.With("plugin", strings.ToLower(Name), "method", method),
	}
	switch method {
	case MethodStake:
		c.next = paramNone
	case MethodRequestExit:
		c.next = requestExitAmount
	case MethodMultiClaim:
		c.next = multiClaimExitQueuesOffset
	case MethodClaim:
		c.next = claimTicketIDsOffset
	}
	c.logger.Trace("Plugin initialized")
	return c, nil
}
