package kiln

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/kilnfi/go-ledger-kiln/pkg/ethplugin"
	"github.com/stretchr/testify/require"
)

const testABI = `[
	{"type":"function","name":"stake","inputs":[],"outputs":[],"stateMutability":"payable"},
	{"type":"function","name":"requestExit","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"multiClaim","inputs":[
		{"name":"exitQueues","type":"address[]"},
		{"name":"ticketIds","type":"uint256[][]"},
		{"name":"casksIds","type":"uint32[][]"}],"outputs":[]},
	{"type":"function","name":"claim","inputs":[
		{"name":"ticketIds","type":"uint256[]"},
		{"name":"caskIds","type":"uint32[]"},
		{"name":"maxClaimDepth","type":"uint16"}],"outputs":[]}
]`

var (
	kilnQueue     = common.HexToAddress("0x8d6Fd650500f82c7D978a440348e5a9b886943bF")
	coinbaseQueue = common.HexToAddress("0x86358F7B33b599c484e0335B8Ee4f7f7f92d8b60")
)

func pack(t *testing.T, method string, args ...interface{}) []byte {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(testABI))
	require.NoError(t, err)
	data, err := parsed.Pack(method, args...)
	require.NoError(t, err)
	return data
}

// run streams calldata through a fresh contract the way the Ethereum app does
func run(t *testing.T, calldata []byte) (ethplugin.Contract, error) {
	t.Helper()
	require.Zero(t, (len(calldata)-ethplugin.SelectorLength)%ethplugin.ParameterLength)

	var sel [ethplugin.SelectorLength]byte
	copy(sel[:], calldata)
	tx := &ethplugin.TxContent{Value: big.NewInt(0), ChainID: big.NewInt(1)}
	c, err := New(nil).InitContract(sel, tx)
	if err != nil {
		return nil, err
	}
	for off := ethplugin.SelectorLength; off < len(calldata); off += ethplugin.ParameterLength {
		var p [ethplugin.ParameterLength]byte
		copy(p[:], calldata[off:])
		if err := c.ProvideParameter(p, uint32(off)); err != nil {
			return c, err
		}
	}
	return c, nil
}

func multiClaimCalldata(t *testing.T) []byte {
	return pack(t, "multiClaim",
		[]common.Address{coinbaseQueue, kilnQueue},
		[][]*big.Int{{big.NewInt(42), big.NewInt(47)}, {big.NewInt(150), big.NewInt(2)}},
		[][]uint32{{0, 1}, {0, 1}},
	)
}

func TestSelectorsMatchABI(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(testABI))
	require.NoError(t, err)

	for _, m := range []Method{MethodStake, MethodRequestExit, MethodMultiClaim, MethodClaim} {
		sel := m.Selector()
		method, err := parsed.MethodById(sel[:])
		require.NoError(t, err)
		require.Equal(t, m.String(), method.Name)

		got, err := MethodFromSelector(sel)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}

	_, err = MethodFromSelector([4]byte{0xde, 0xad, 0xbe, 0xef})
	require.ErrorIs(t, err, ErrUnknownSelector)
}

func TestMultiClaim(t *testing.T) {
	data := multiClaimCalldata(t)
	require.Len(t, data, 4+24*32)
	require.Equal(t, "0xb7ba18c7", hexutil.Encode(data[:4]))

	c, err := run(t, data)
	require.NoError(t, err)

	fin, err := c.Finalize()
	require.NoError(t, err)
	require.Equal(t, 1, fin.NumScreens)
	require.Equal(t, ethplugin.ContractID{Name: "Coinbase", Version: "Multi-Claim"}, c.QueryContractID())

	screen, err := c.QueryContractUI(0)
	require.NoError(t, err)
	require.Equal(t, ethplugin.Screen{Title: "Claim", Msg: "2 exit queues"}, screen)

	_, err = c.QueryContractUI(1)
	require.ErrorIs(t, err, ErrUnknownScreen)
}

func TestMultiClaimSingleQueue(t *testing.T) {
	data := pack(t, "multiClaim",
		[]common.Address{kilnQueue},
		[][]*big.Int{{big.NewInt(1), big.NewInt(2), big.NewInt(3)}},
		[][]uint32{{7, 8, 9}},
	)
	c, err := run(t, data)
	require.NoError(t, err)
	_, err = c.Finalize()
	require.NoError(t, err)

	screen, err := c.QueryContractUI(0)
	require.NoError(t, err)
	require.Equal(t, "1 exit queue", screen.Msg)
}

func TestMultiClaimEmptyArrays(t *testing.T) {
	data := pack(t, "multiClaim", []common.Address{}, [][]*big.Int{}, [][]uint32{})
	c, err := run(t, data)
	require.NoError(t, err)
	_, err = c.Finalize()
	require.NoError(t, err)

	// nested arrays may be empty too
	data = pack(t, "multiClaim",
		[]common.Address{kilnQueue, coinbaseQueue},
		[][]*big.Int{{}, {big.NewInt(5)}},
		[][]uint32{{}, {3}},
	)
	c, err = run(t, data)
	require.NoError(t, err)
	_, err = c.Finalize()
	require.NoError(t, err)
}

func TestMultiClaimUnknownExitQueue(t *testing.T) {
	data := pack(t, "multiClaim",
		[]common.Address{kilnQueue, common.HexToAddress("0x0000000000000000000000000000000000000bad")},
		[][]*big.Int{{big.NewInt(1)}, {big.NewInt(2)}},
		[][]uint32{{0}, {0}},
	)
	_, err := run(t, data)
	require.ErrorIs(t, err, ErrUnknownExitQueue)
}

func TestMultiClaimOffsetMismatch(t *testing.T) {
	word := func(data []byte, i int) []byte {
		start := 4 + 32*i
		return data[start : start+32]
	}

	// head offset of exitQueues points one word too far
	data := multiClaimCalldata(t)
	word(data, 0)[31] = 0x80
	_, err := run(t, data)
	require.ErrorIs(t, err, ErrOffsetMismatch)

	// second entry of the ticketIds offset table is wrong
	data = multiClaimCalldata(t)
	require.Equal(t, byte(0xa0), word(data, 8)[31])
	word(data, 8)[31] = 0xc0
	_, err = run(t, data)
	require.ErrorIs(t, err, ErrOffsetMismatch)

	// second entry of the caskIds offset table is wrong
	data = multiClaimCalldata(t)
	require.Equal(t, byte(0xa0), word(data, 17)[31])
	word(data, 17)[31] = 0x60
	_, err = run(t, data)
	require.ErrorIs(t, err, ErrOffsetMismatch)
}

func TestMultiClaimOverflow(t *testing.T) {
	data := multiClaimCalldata(t)
	// exitQueues length does not fit in a uint16
	data[4+3*32+29] = 0x01
	_, err := run(t, data)
	require.ErrorIs(t, err, ethplugin.ErrLengthOverflow)
}

func TestMultiClaimTrailingParameter(t *testing.T) {
	data := append(multiClaimCalldata(t), make([]byte, 32)...)
	_, err := run(t, data)
	require.ErrorIs(t, err, ErrUnexpectedParameter)
}

func TestMultiClaimTruncated(t *testing.T) {
	data := multiClaimCalldata(t)
	c, err := run(t, data[:len(data)-32])
	require.NoError(t, err)
	_, err = c.Finalize()
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestClaim(t *testing.T) {
	data := pack(t, "claim",
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		[]uint32{3, 4, 5},
		uint16(10),
	)
	c, err := run(t, data)
	require.NoError(t, err)
	_, err = c.Finalize()
	require.NoError(t, err)
	require.Equal(t, "Claim", c.QueryContractID().Version)

	screen, err := c.QueryContractUI(0)
	require.NoError(t, err)
	require.Equal(t, ethplugin.Screen{Title: "Claim", Msg: "2 tickets"}, screen)

	data = pack(t, "claim", []*big.Int{big.NewInt(1)}, []uint32{}, uint16(0))
	c, err = run(t, data)
	require.NoError(t, err)
	screen, err = c.QueryContractUI(0)
	require.NoError(t, err)
	require.Equal(t, "1 ticket", screen.Msg)
}

func TestClaimOffsetMismatch(t *testing.T) {
	data := pack(t, "claim", []*big.Int{big.NewInt(1)}, []uint32{3}, uint16(10))
	// caskIds head offset
	data[4+32+31] += 0x20
	_, err := run(t, data)
	require.ErrorIs(t, err, ErrOffsetMismatch)
}

func TestRequestExit(t *testing.T) {
	amount, _ := new(big.Int).SetString("1500000000000000000", 10)
	c, err := run(t, pack(t, "requestExit", amount))
	require.NoError(t, err)
	_, err = c.Finalize()
	require.NoError(t, err)

	require.Equal(t, "Request Exit", c.QueryContractID().Version)
	screen, err := c.QueryContractUI(0)
	require.NoError(t, err)
	require.Equal(t, ethplugin.Screen{Title: "Exit shares", Msg: "1.5"}, screen)
}

func TestStake(t *testing.T) {
	var sel [4]byte
	copy(sel[:], pack(t, "stake"))
	value, _ := new(big.Int).SetString("32000000000000000000", 10)
	c, err := New(nil).InitContract(sel, &ethplugin.TxContent{Value: value, ChainID: big.NewInt(1)})
	require.NoError(t, err)

	fin, err := c.Finalize()
	require.NoError(t, err)
	require.Equal(t, 1, fin.NumScreens)

	screen, err := c.QueryContractUI(0)
	require.NoError(t, err)
	require.Equal(t, ethplugin.Screen{Title: "Stake", Msg: "32 ETH"}, screen)

	err = c.ProvideParameter([32]byte{}, 4)
	require.ErrorIs(t, err, ErrUnexpectedParameter)
}

func TestIsExitQueue(t *testing.T) {
	require.True(t, IsExitQueue(kilnQueue))
	require.True(t, IsExitQueue(coinbaseQueue))
	require.False(t, IsExitQueue(common.Address{}))
}
