package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
)

// DefaultMaxOrder is the number of denominations (powers of 2)
// a keyset carries when the config does not set one.
const DefaultMaxOrder = 64

// Keyset is the in-memory form of a signing keyset. Exactly one keyset
// is active for new issuance; inactive ones are kept for verifying
// previously issued tokens.
type Keyset struct {
	Id       string
	Unit     string
	Active   bool
	KeyPairs []KeyPair
}

type KeyPair struct {
	Amount     uint64
	PrivateKey []byte
	PublicKey  []byte
}

// GenerateKeyset deterministically derives a keyset from the mint's secret
// and a derivation path. The same (secret, derivationPath, maxOrder) always
// reconstructs the same keys, which is how inactive keysets are reloaded
// from their persisted KeysetInfo.
func GenerateKeyset(secret, derivationPath string, maxOrder uint) *Keyset {
	if maxOrder == 0 {
		maxOrder = DefaultMaxOrder
	}

	keyPairs := make([]KeyPair, maxOrder)
	for i := uint(0); i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(secret + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		keyPairs[i] = KeyPair{
			Amount:     amount,
			PrivateKey: privKey.Serialize(),
			PublicKey:  pubKey.SerializeCompressed(),
		}
	}

	return &Keyset{
		Id:       DeriveKeysetId(keyPairs),
		Unit:     "sat",
		Active:   true,
		KeyPairs: keyPairs,
	}
}

// DeriveKeysetId derives the deterministic keyset identifier from the
// ordered concatenation of the keyset's public keys.
func DeriveKeysetId(keys []KeyPair) string {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Amount < keys[j].Amount
	})

	pubkeys := make([]byte, 0)
	for _, key := range keys {
		pubkeys = append(pubkeys, key.PublicKey...)
	}
	hash := sha256.New()
	hash.Write(pubkeys)

	return "00" + hex.EncodeToString(hash.Sum(nil))[:14]
}

// KeyPair returns the pair for the given denomination.
func (ks *Keyset) KeyPair(amount uint64) (KeyPair, bool) {
	for _, kp := range ks.KeyPairs {
		if kp.Amount == amount {
			return kp, true
		}
	}
	return KeyPair{}, false
}

// DerivePublic returns the amount -> compressed public key map
// served on /keys.
func (ks *Keyset) DerivePublic() map[uint64]string {
	pubKeys := make(map[uint64]string)
	for _, key := range ks.KeyPairs {
		pubKeys[key.Amount] = hex.EncodeToString(key.PublicKey)
	}
	return pubKeys
}
