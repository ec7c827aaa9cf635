// Package contract loads contract ABIs and builds or decodes calldata.
package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"reflect"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/kilnfi/go-ledger-kiln/cal"
)

var (
	ErrUnknownContract = errors.New("contract: no abi for address")
	ErrUnknownMethod   = errors.New("contract: method not found")
	ErrArgs            = errors.New("contract: invalid arguments")
)

// Registry resolves contract addresses to ABIs stored as <address>.json
type Registry struct {
	fsys fs.FS

	mu   sync.Mutex
	abis map[common.Address]*abi.ABI
}

// NewRegistry reads ABIs from fsys. A nil fsys uses the embedded dataset.
func NewRegistry(fsys fs.FS) *Registry {
	if fsys == nil {
		fsys = cal.ABIs()
	}
	return &Registry{fsys: fsys, abis: make(map[common.Address]*abi.ABI)}
}

// ABI returns the parsed ABI of a contract
func (r *Registry) ABI(addr common.Address) (*abi.ABI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.abis[addr]; ok {
		return a, nil
	}
	data, err := fs.ReadFile(r.fsys, strings.ToLower(addr.Hex())+".json")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, addr.Hex())
	} else if err != nil {
		return nil, err
	}
	a, err := ParseABI(data)
	if err != nil {
		return nil, fmt.Errorf("contract: parsing abi of %s: %w", addr.Hex(), err)
	}
	r.abis[addr] = a
	return a, nil
}

// ParseABI parses a JSON ABI
func ParseABI(data []byte) (*abi.ABI, error) {
	a, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Pack builds the calldata of a call to method on the contract at addr
func (r *Registry) Pack(addr common.Address, method string, args ...interface{}) ([]byte, error) {
	a, err := r.ABI(addr)
	if err != nil {
		return nil, err
	}
	if _, ok := a.Methods[method]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return a.Pack(method, args...)
}

// PackJSON is Pack with the arguments given as a JSON array
func (r *Registry) PackJSON(addr common.Address, method, args string) ([]byte, error) {
	a, err := r.ABI(addr)
	if err != nil {
		return nil, err
	}
	m, ok := a.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	values, err := ParseArgs(m, args)
	if err != nil {
		return nil, err
	}
	return a.Pack(method, values...)
}

// Call is decoded calldata
type Call struct {
	Method *abi.Method
	Args   []interface{}
}

// Unpack decodes calldata sent to the contract at addr
func (r *Registry) Unpack(addr common.Address, data []byte) (*Call, error) {
	a, err := r.ABI(addr)
	if err != nil {
		return nil, err
	}
	return UnpackWith(a, data)
}

// UnpackWith decodes calldata with the given ABI
func UnpackWith(a *abi.ABI, data []byte) (*Call, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: calldata too short", ErrUnknownMethod)
	}
	m, err := a.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownMethod, err)
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	return &Call{Method: m, Args: args}, nil
}

// ParseArgs converts a JSON array into the Go values expected by the inputs
// of m. Integers may be given as JSON numbers or decimal/hex strings.
func ParseArgs(m abi.Method, args string) ([]interface{}, error) {
	if strings.TrimSpace(args) == "" {
		args = "[]"
	}
	var raw []json.RawMessage
	dec := json.NewDecoder(strings.NewReader(args))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArgs, err)
	}
	if len(raw) != len(m.Inputs) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrArgs, m.Name, len(m.Inputs), len(raw))
	}
	out := make([]interface{}, len(raw))
	for i, in := range m.Inputs {
		v, err := convert(in.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("%w: argument %s: %v", ErrArgs, in.Name, err)
		}
		out[i] = v.Interface()
	}
	return out, nil
}

func convert(t abi.Type, raw json.RawMessage) (reflect.Value, error) {
	switch t.T {
	case abi.SliceTy, abi.ArrayTy:
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return reflect.Value{}, err
		}
		goType := t.GetType()
		var v reflect.Value
		if t.T == abi.SliceTy {
			v = reflect.MakeSlice(goType, len(items), len(items))
		} else {
			if len(items) != t.Size {
				return reflect.Value{}, fmt.Errorf("expected %d items, got %d", t.Size, len(items))
			}
			v = reflect.New(goType).Elem()
		}
		for i, item := range items {
			e, err := convert(*t.Elem, item)
			if err != nil {
				return reflect.Value{}, err
			}
			v.Index(i).Set(e)
		}
		return v, nil
	case abi.AddressTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		if !common.IsHexAddress(s) {
			return reflect.Value{}, fmt.Errorf("invalid address %q", s)
		}
		return reflect.ValueOf(common.HexToAddress(s)), nil
	case abi.BoolTy:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil
	case abi.StringTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(s), nil
	case abi.BytesTy, abi.FixedBytesTy:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return reflect.Value{}, err
		}
		b, err := hexutil.Decode(s)
		if err != nil {
			return reflect.Value{}, err
		}
		if t.T == abi.BytesTy {
			return reflect.ValueOf(b), nil
		}
		if len(b) != t.Size {
			return reflect.Value{}, fmt.Errorf("expected %d bytes, got %d", t.Size, len(b))
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v, nil
	case abi.IntTy, abi.UintTy:
		n, err := parseInt(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return intValue(t, n)
	}
	return reflect.Value{}, fmt.Errorf("unsupported type %s", t.String())
}

func parseInt(raw json.RawMessage) (*big.Int, error) {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// intValue converts n to the Go type abi uses for t: native integers up to 64
// bits and *big.Int beyond.
func intValue(t abi.Type, n *big.Int) (reflect.Value, error) {
	if t.T == abi.UintTy && n.Sign() < 0 {
		return reflect.Value{}, fmt.Errorf("negative value for %s", t.String())
	}
	bits := t.Size
	if t.T == abi.IntTy {
		bits--
	}
	if n.BitLen() > bits {
		return reflect.Value{}, fmt.Errorf("%s overflows %s", n, t.String())
	}
	goType := t.GetType()
	if goType == reflect.TypeOf((*big.Int)(nil)) {
		return reflect.ValueOf(n), nil
	}
	v := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		v.SetUint(n.Uint64())
	} else {
		v.SetInt(n.Int64())
	}
	return v, nil
}
