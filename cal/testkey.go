package cal

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
)

// testKeyBytes is the signing key of the test crypto asset list. Emulated
// devices trust its public key unless configured otherwise.
var testKeyBytes = common.FromHex("0x7a2fbb0a8f0aa3a05a4a9d0c3cf9f5d3e5b84c5e31fe1cbbbb8b5d32bd62e0f1")

// TestKey returns the test crypto asset list signing key
func TestKey() *btcec.PrivateKey {
	key, _ := btcec.PrivKeyFromBytes(testKeyBytes)
	return key
}

// TestPluginIndex signs the embedded descriptor with TestKey
func TestPluginIndex() (PluginIndex, error) {
	b, err := LoadB2C()
	if err != nil {
		return nil, err
	}
	return BuildPluginIndex(b, ABIs(), TestKey())
}
