// Package cal holds the crypto asset list data of the plugin: contract ABIs,
// the plugin descriptor and the signed payloads the Ethereum app trusts.
package cal

import (
	"crypto/sha256"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

//go:embed abis/*.json b2c.json
var files embed.FS

var (
	ErrBadSignature = errors.New("cal: signature verification failed")
	ErrBadPayload   = errors.New("cal: malformed payload")
)

// ABIs returns the embedded ABI files, named <lowercase address>.json
func ABIs() fs.FS {
	sub, err := fs.Sub(files, "abis")
	if err != nil {
		panic(err)
	}
	return sub
}

// B2C is the plugin descriptor listing the contracts and selectors routed to
// the plugin.
type B2C struct {
	BlockchainName string        `json:"blockchainName"`
	ChainID        uint64        `json:"chainId"`
	Name           string        `json:"name"`
	Contracts      []B2CContract `json:"contracts"`
}

type B2CContract struct {
	Address      string                 `json:"address"`
	ContractName string                 `json:"contractName"`
	Selectors    map[string]B2CSelector `json:"selectors"`
}

type B2CSelector struct {
	ERC20OfInterest []string `json:"erc20OfInterest"`
	Method          string   `json:"method"`
	Plugin          string   `json:"plugin"`
}

// LoadB2C returns the embedded plugin descriptor
func LoadB2C() (*B2C, error) {
	data, err := files.ReadFile("b2c.json")
	if err != nil {
		return nil, err
	}
	var b B2C
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("cal: parsing b2c.json: %w", err)
	}
	return &b, nil
}

// Sign returns the DER encoded signature of sha256(payload)
func Sign(key *btcec.PrivateKey, payload []byte) []byte {
	hash := sha256.Sum256(payload)
	return ecdsa.Sign(key, hash[:]).Serialize()
}

// Verify checks a DER signature produced by Sign
func Verify(pub *btcec.PublicKey, payload, sig []byte) error {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	hash := sha256.Sum256(payload)
	if !s.Verify(hash[:], pub) {
		return ErrBadSignature
	}
	return nil
}

// PluginPayload serializes the external plugin descriptor:
// len(name) || name || address || selector
func PluginPayload(name string, addr common.Address, selector [4]byte) []byte {
	out := make([]byte, 0, 1+len(name)+common.AddressLength+len(selector))
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = append(out, addr.Bytes()...)
	return append(out, selector[:]...)
}

// ParsePluginPayload is the inverse of PluginPayload
func ParsePluginPayload(b []byte) (name string, addr common.Address, selector [4]byte, err error) {
	if len(b) < 1 || len(b) != 1+int(b[0])+common.AddressLength+4 {
		return "", addr, selector, ErrBadPayload
	}
	n := int(b[0])
	name = string(b[1 : 1+n])
	addr = common.BytesToAddress(b[1+n : 1+n+common.AddressLength])
	copy(selector[:], b[1+n+common.AddressLength:])
	return name, addr, selector, nil
}

// Token is the ERC-20 information the app needs to display amounts
type Token struct {
	Ticker   string         `json:"ticker"`
	Address  common.Address `json:"address"`
	Decimals uint32         `json:"decimals"`
	ChainID  uint32         `json:"chainId"`
}

// Payload serializes the token: len(ticker) || ticker || address || decimals || chainId
func (t Token) Payload() []byte {
	out := make([]byte, 0, 1+len(t.Ticker)+common.AddressLength+8)
	out = append(out, byte(len(t.Ticker)))
	out = append(out, t.Ticker...)
	out = append(out, t.Address.Bytes()...)
	out = binary.BigEndian.AppendUint32(out, t.Decimals)
	return binary.BigEndian.AppendUint32(out, t.ChainID)
}

// ParseToken splits a signed token blob into the token and its signature
func ParseToken(b []byte) (Token, []byte, error) {
	var t Token
	if len(b) < 1 {
		return t, nil, ErrBadPayload
	}
	n := int(b[0])
	end := 1 + n + common.AddressLength + 8
	if len(b) <= end {
		return t, nil, ErrBadPayload
	}
	t.Ticker = string(b[1 : 1+n])
	t.Address = common.BytesToAddress(b[1+n : 1+n+common.AddressLength])
	t.Decimals = binary.BigEndian.Uint32(b[end-8:])
	t.ChainID = binary.BigEndian.Uint32(b[end-4:])
	return t, b[end:], nil
}

// SignedToken is an entry of the signed token list
type SignedToken struct {
	Token
	Data string `json:"data"`
}

// SignTokens signs each token. Data holds the hex encoded payload followed by
// its signature, the blob PROVIDE_ERC20 expects.
func SignTokens(key *btcec.PrivateKey, tokens []Token) []SignedToken {
	out := make([]SignedToken, 0, len(tokens))
	for _, t := range tokens {
		payload := t.Payload()
		blob := append(payload, Sign(key, payload)...)
		out = append(out, SignedToken{Token: t, Data: hexutil.Encode(blob)})
	}
	return out
}

// SelectorEntry routes one selector of a contract to a plugin
type SelectorEntry struct {
	Plugin          string   `json:"plugin"`
	SerializedData  string   `json:"serialized_data"`
	Signature       string   `json:"signature"`
	ERC20OfInterest []string `json:"erc20OfInterest"`
}

// ContractEntry is a contract of the plugin index. It serializes as an object
// holding the abi next to one key per selector.
type ContractEntry struct {
	ABI       json.RawMessage
	Selectors map[string]SelectorEntry
}

func (c ContractEntry) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(c.Selectors)+1)
	for sel, e := range c.Selectors {
		m[sel] = e
	}
	if c.ABI != nil {
		m["abi"] = c.ABI
	}
	return json.Marshal(m)
}

func (c *ContractEntry) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.Selectors = make(map[string]SelectorEntry, len(m))
	for k, v := range m {
		if k == "abi" {
			c.ABI = v
			continue
		}
		var e SelectorEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("selector %s: %w", k, err)
		}
		c.Selectors[strings.ToLower(k)] = e
	}
	return nil
}

// PluginIndex is the plugins/ethereum.json document, keyed by lowercase
// contract address.
type PluginIndex map[string]ContractEntry

// Lookup returns the entry for a contract call
func (idx PluginIndex) Lookup(addr common.Address, selector [4]byte) (ContractEntry, SelectorEntry, bool) {
	c, ok := idx[strings.ToLower(addr.Hex())]
	if !ok {
		return ContractEntry{}, SelectorEntry{}, false
	}
	e, ok := c.Selectors[hexutil.Encode(selector[:])]
	return c, e, ok
}

// BuildPluginIndex signs every selector of the descriptor with key
func BuildPluginIndex(b *B2C, abis fs.FS, key *btcec.PrivateKey) (PluginIndex, error) {
	idx := make(PluginIndex, len(b.Contracts))
	for _, c := range b.Contracts {
		if !common.IsHexAddress(c.Address) {
			return nil, fmt.Errorf("cal: invalid contract address %q", c.Address)
		}
		addr := common.HexToAddress(c.Address)
		id := strings.ToLower(addr.Hex())

		entry := ContractEntry{Selectors: make(map[string]SelectorEntry, len(c.Selectors))}
		if abis != nil {
			data, err := fs.ReadFile(abis, id+".json")
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
			entry.ABI = data
		}
		for s, sel := range c.Selectors {
			raw, err := hexutil.Decode(s)
			if err != nil || len(raw) != 4 {
				return nil, fmt.Errorf("cal: invalid selector %q", s)
			}
			var selector [4]byte
			copy(selector[:], raw)

			payload := PluginPayload(sel.Plugin, addr, selector)
			entry.Selectors[strings.ToLower(s)] = SelectorEntry{
				Plugin:          sel.Plugin,
				SerializedData:  hexutil.Encode(payload),
				Signature:       hexutil.Encode(Sign(key, payload)),
				ERC20OfInterest: sel.ERC20OfInterest,
			}
		}
		idx[id] = entry
	}
	return idx, nil
}
