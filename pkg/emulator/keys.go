package emulator

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// DefaultSeed is the mnemonic Speculos devices boot with
const DefaultSeed = "glory promote mansion idle axis finger extra february uncover one trip resource lawn turtle enact monster seven myth punch hobby comfort wild raise skin"

func masterKey(mnemonic string) (*hdkeychain.ExtendedKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("emulator: invalid seed: %w", err)
	}
	return hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
}

// derive returns the secp256k1 key and chain code at path
func derive(master *hdkeychain.ExtendedKey, path []uint32) (*ecdsa.PrivateKey, []byte, error) {
	key := master
	for _, p := range path {
		var err error
		if key, err = key.Derive(p); err != nil {
			return nil, nil, err
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, nil, err
	}
	k, err := crypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, nil, err
	}
	return k, key.ChainCode(), nil
}
