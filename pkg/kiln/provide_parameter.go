package kiln

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
	"golang.org/x/crypto/sha3"
)

// param is the next calldata word a contract expects
type param int

const (
	paramNone param = iota

	requestExitAmount

	claimTicketIDsOffset
	claimCaskIDsOffset
	claimMaxClaimDepth
	claimTicketIDsLength
	claimTicketIDsItems
	claimCaskIDsLength
	claimCaskIDsItems

	multiClaimExitQueuesOffset
	multiClaimTicketIDsOffset
	multiClaimCaskIDsOffset
	multiClaimExitQueuesLength
	multiClaimExitQueuesItems
	multiClaimTicketIDsLength
	multiClaimTicketIDsOffsetItems
	multiClaimTicketIDsItemLength
	multiClaimTicketIDsItems
	multiClaimCaskIDsLength
	multiClaimCaskIDsOffsetItems
	multiClaimCaskIDsItemLength
	multiClaimCaskIDsItems
)

// argsOffset is the calldata offset of the first argument word
const argsOffset = ethplugin.SelectorLength

type contract struct {
	method Method
	next   param
	tx     *ethplugin.TxContent
	logger log.Logger

	requestExit requestExitParams
	claim       claimParams
	multiClaim  multiClaimParams
}

type requestExitParams struct {
	amount [ethplugin.ParameterLength]byte
}

type claimParams struct {
	ticketIDsOffset uint32
	caskIDsOffset   uint32
	itemCount       uint16
	tickets         int
}

// multiClaimParams tracks the nested arrays of a multiClaim call. The offset
// tables of ticketIds and caskIds can be arbitrarily long, so instead of
// storing them the declared offsets and the observed positions are folded
// into two keccak chains which must agree once the array has been consumed.
type multiClaimParams struct {
	exitQueuesOffset uint32
	ticketIDsOffset  uint32
	caskIDsOffset    uint32

	checksumPreview [32]byte
	checksumValue   [32]byte
	cachedOffset    uint32

	parentItemCount  uint16
	currentItemCount uint16

	exitQueues int
	tickets    int
}

// ProvideParameter implements ethplugin.Contract
func (c *contract) ProvideParameter(parameter [ethplugin.ParameterLength]byte, offset uint32) error {
	c.logger.Trace("Plugin provide parameter", "offset", offset, "bytes", hexutil.Encode(parameter[:]))

	var err error
	switch c.method {
	case MethodStake:
		err = fmt.Errorf("%w: stake takes no parameters", ErrUnexpectedParameter)
	case MethodRequestExit:
		err = c.provideRequestExit(parameter)
	case MethodClaim:
		err = c.provideClaim(parameter, offset)
	case MethodMultiClaim:
		err = c.provideMultiClaim(parameter, offset)
	default:
		err = ErrUnknownSelector
	}
	if err != nil {
		c.logger.Debug("Plugin parameter rejected", "offset", offset, "err", err)
	}
	return err
}

func (c *contract) unexpected(offset uint32) error {
	return fmt.Errorf("%w: state %d at offset %d", ErrUnexpectedParameter, c.next, offset)
}

// expectAt checks that an array declared at the given head offset starts at
// the current calldata offset.
func expectAt(declared, offset uint32) error {
	if argsOffset+declared != offset {
		return fmt.Errorf("%w: array declared at %d found at %d", ErrOffsetMismatch, argsOffset+declared, offset)
	}
	return nil
}

// chainChecksum folds an offset into a running keccak checksum
func chainChecksum(prev [32]byte, offset uint32) [32]byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], offset)

	h := sha3.NewLegacyKeccak256()
	h.Write(prev[:])
	h.Write(buf[:])

	var out [32]byte
	h.Sum(out[:0])
	return out
}

// function requestExit(uint256 amount)
//
// [  0] selector
// [  4] amount
func (c *contract) provideRequestExit(p [ethplugin.ParameterLength]byte) error {
	switch c.next {
	case requestExitAmount:
		c.requestExit.amount = p
		c.next = paramNone
		return nil
	default:
		return c.unexpected(argsOffset)
	}
}

// function claim(uint256[] ticketIds, uint32[] caskIds, uint16 maxClaimDepth)
//
// example for 2 tickets and 3 cask ids
// [  0] selector
// [  4] ticketIds_offset
// [ 36] caskIds_offset
// [ 68] maxClaimDepth
// [100] ticketIds_length
// [132] ticketIds_0
// [164] ticketIds_1
// [196] caskIds_length
// [228] caskIds_0
// [260] caskIds_1
// [292] caskIds_2
func (c *contract) provideClaim(p [ethplugin.ParameterLength]byte, offset uint32) error {
	params := &c.claim

	switch c.next {
	case claimTicketIDsOffset:
		v, err := ethplugin.U4BE(p)
		if err != nil {
			return err
		}
		params.ticketIDsOffset = v
		c.next = claimCaskIDsOffset
	case claimCaskIDsOffset:
		v, err := ethplugin.U4BE(p)
		if err != nil {
			return err
		}
		params.caskIDsOffset = v
		c.next = claimMaxClaimDepth
	case claimMaxClaimDepth:
		if _, err := ethplugin.U2BE(p); err != nil {
			return err
		}
		c.next = claimTicketIDsLength
	case claimTicketIDsLength:
		if err := expectAt(params.ticketIDsOffset, offset); err != nil {
			return err
		}
		n, err := ethplugin.U2BE(p)
		if err != nil {
			return err
		}
		params.itemCount = n
		params.tickets = int(n)
		if n == 0 {
			c.next = claimCaskIDsLength
		} else {
			c.next = claimTicketIDsItems
		}
	case claimTicketIDsItems:
		params.itemCount--
		if params.itemCount == 0 {
			c.next = claimCaskIDsLength
		}
	case claimCaskIDsLength:
		if err := expectAt(params.caskIDsOffset, offset); err != nil {
			return err
		}
		n, err := ethplugin.U2BE(p)
		if err != nil {
			return err
		}
		params.itemCount = n
		if n == 0 {
			c.next = paramNone
		} else {
			c.next = claimCaskIDsItems
		}
	case claimCaskIDsItems:
		params.itemCount--
		if params.itemCount == 0 {
			c.next = paramNone
		}
	default:
		return c.unexpected(offset)
	}
	return nil
}

// function multiClaim(address[] exitQueues, uint256[][] ticketIds, uint32[][] casksIds)
//
// example for 2 exit queues, 4 tickets and 4 cask ids
// [  0] selector
// [  4] exitQueues_offset
// [ 36] ticketIds_offset
// [ 68] caskIds_offset
// [100] exitQueues_length
// [132] exitQueues_0
// [164] exitQueues_1
// [196] ticketIds_length
// [228] ticketIds_0_offset
// [260] ticketIds_1_offset
// [292] ticketIds_0_length
// [324] ticketIds_0_0
// [356] ticketIds_0_1
// [388] ticketIds_1_length
// [420] ticketIds_1_0
// [452] ticketIds_1_1
// [484] caskIds_length
// [516] caskIds_0_offset
// [548] caskIds_1_offset
// [580] caskIds_0_length
// [612] caskIds_0_0
// [644] caskIds_0_1
// [676] caskIds_1_length
// [708] caskIds_1_0
// [740] caskIds_1_1
func (c *contract) provideMultiClaim(p [ethplugin.ParameterLength]byte, offset uint32) error {
	params := &c.multiClaim

	switch c.next {
	case multiClaimExitQueuesOffset:
		v, err := ethplugin.U4BE(p)
		if err != nil {
			return err
		}
		params.exitQueuesOffset = v
		c.next = multiClaimTicketIDsOffset
	case multiClaimTicketIDsOffset:
		v, err := ethplugin.U4BE(p)
		if err != nil {
			return err
		}
		params.ticketIDsOffset = v
		c.next = multiClaimCaskIDsOffset
	case multiClaimCaskIDsOffset:
		v, err := ethplugin.U4BE(p)
		if err != nil {
			return err
		}
		params.caskIDsOffset = v
		c.next = multiClaimExitQueuesLength

	case multiClaimExitQueuesLength:
		if err := expectAt(params.exitQueuesOffset, offset); err != nil {
			return err
		}
		n, err := ethplugin.U2BE(p)
		if err != nil {
			return err
		}
		params.currentItemCount = n
		if n == 0 {
			c.next = multiClaimTicketIDsLength
		} else {
			c.next = multiClaimExitQueuesItems
		}
	case multiClaimExitQueuesItems:
		// every exit queue called by the multiClaim must be a known one
		addr := ethplugin.CopyAddress(p)
		if !IsExitQueue(addr) {
			return fmt.Errorf("%w: %s", ErrUnknownExitQueue, addr.Hex())
		}
		params.exitQueues++
		params.currentItemCount--
		if params.currentItemCount == 0 {
			c.next = multiClaimTicketIDsLength
		}

	case multiClaimTicketIDsLength:
		if err := expectAt(params.ticketIDsOffset, offset); err != nil {
			return err
		}
		n, err := ethplugin.U2BE(p)
		if err != nil {
			return err
		}
		params.startNested(n, offset)
		if n == 0 {
			c.next = multiClaimCaskIDsLength
		} else {
			c.next = multiClaimTicketIDsOffsetItems
		}
	case multiClaimTicketIDsOffsetItems:
		if err := params.declareOffset(p); err != nil {
			return err
		}
		if params.currentItemCount == 0 {
			c.next = multiClaimTicketIDsItemLength
		}
	case multiClaimTicketIDsItemLength:
		params.observeItem(offset)
		v, err := ethplugin.U2BE(p)
		if err != nil {
			return err
		}
		params.currentItemCount = v
		params.tickets += int(v)
		if v == 0 {
			return c.endTicketIDsItem()
		}
		c.next = multiClaimTicketIDsItems
	case multiClaimTicketIDsItems:
		params.currentItemCount--
		if params.currentItemCount == 0 {
			return c.endTicketIDsItem()
		}

	case multiClaimCaskIDsLength:
		if err := expectAt(params.caskIDsOffset, offset); err != nil {
			return err
		}
		n, err := ethplugin.U2BE(p)
		if err != nil {
			return err
		}
		params.startNested(n, offset)
		if n == 0 {
			c.next = paramNone
		} else {
			c.next = multiClaimCaskIDsOffsetItems
		}
	case multiClaimCaskIDsOffsetItems:
		if err := params.declareOffset(p); err != nil {
			return err
		}
		if params.currentItemCount == 0 {
			c.next = multiClaimCaskIDsItemLength
		}
	case multiClaimCaskIDsItemLength:
		params.observeItem(offset)
		v, err := ethplugin.U2BE(p)
		if err != nil {
			return err
		}
		params.currentItemCount = v
		if v == 0 {
			return c.endCaskIDsItem()
		}
		c.next = multiClaimCaskIDsItems
	case multiClaimCaskIDsItems:
		params.currentItemCount--
		if params.currentItemCount == 0 {
			return c.endCaskIDsItem()
		}
	default:
		return c.unexpected(offset)
	}
	return nil
}

// startNested resets the offset checksums for a uint[][] whose length word
// sits at the given calldata offset. Nested offsets are relative to the word
// following the length.
func (m *multiClaimParams) startNested(n uint16, offset uint32) {
	m.parentItemCount = n
	m.currentItemCount = n
	m.cachedOffset = offset + ethplugin.ParameterLength
	m.checksumPreview = [32]byte{}
	m.checksumValue = [32]byte{}
}

// declareOffset folds one entry of a nested offset table into the preview
// checksum.
func (m *multiClaimParams) declareOffset(p [ethplugin.ParameterLength]byte) error {
	v, err := ethplugin.U4BE(p)
	if err != nil {
		return err
	}
	m.checksumPreview = chainChecksum(m.checksumPreview, v)
	m.currentItemCount--
	return nil
}

// observeItem folds the relative position of a nested array length word into
// the value checksum.
func (m *multiClaimParams) observeItem(offset uint32) {
	m.checksumValue = chainChecksum(m.checksumValue, offset-m.cachedOffset)
}

func (m *multiClaimParams) verifyNested() error {
	if m.checksumPreview != m.checksumValue {
		return fmt.Errorf("%w: nested offsets do not match array positions", ErrOffsetMismatch)
	}
	return nil
}

func (c *contract) endTicketIDsItem() error {
	params := &c.multiClaim
	params.parentItemCount--
	if params.parentItemCount != 0 {
		c.next = multiClaimTicketIDsItemLength
		return nil
	}
	if err := params.verifyNested(); err != nil {
		return err
	}
	c.next = multiClaimCaskIDsLength
	return nil
}

func (c *contract) endCaskIDsItem() error {
	params := &c.multiClaim
	params.parentItemCount--
	if params.parentItemCount != 0 {
		c.next = multiClaimCaskIDsItemLength
		return nil
	}
	if err := params.verifyNested(); err != nil {
		return err
	}
	c.next = paramNone
	return nil
}
