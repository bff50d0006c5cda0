package crypto

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	log "github.com/sirupsen/logrus"
)

const (
	signingKeyFile    = "signing.key"
	encryptionKeyFile = "encryption.key"
	walletKeyFile     = "wallet.key"
)

// KeyRing holds the node's long-lived secp256k1 key pairs: one for signing
// protocol messages and one for receiving encrypted payloads. Private keys
// never leave this type; peers only ever see the PubKeyRing.
type KeyRing struct {
	sigKey *btcec.PrivateKey
	encKey *btcec.PrivateKey
}

// PubKeyRing is the public half of a KeyRing, as included in outbound
// messages and stored for the trading peer. Keys are compressed secp256k1
// points.
type PubKeyRing struct {
	SignaturePubKey  []byte `json:"signaturePubKey"`
	EncryptionPubKey []byte `json:"encryptionPubKey"`
}

// Equal reports whether both public keys match.
func (p PubKeyRing) Equal(other PubKeyRing) bool {
	return bytes.Equal(p.SignaturePubKey, other.SignaturePubKey) &&
		bytes.Equal(p.EncryptionPubKey, other.EncryptionPubKey)
}

// IsEmpty reports whether the ring carries no key material.
func (p PubKeyRing) IsEmpty() bool {
	return len(p.SignaturePubKey) == 0 && len(p.EncryptionPubKey) == 0
}

// NewKeyRing loads the key pairs from datadir, generating and persisting
// fresh ones on first run. Key files are written with owner-only
// permissions.
func NewKeyRing(datadir string) (*KeyRing, error) {
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}

	sigKey, created, err := loadOrCreateKey(filepath.Join(datadir, signingKeyFile))
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	encKey, _, err := loadOrCreateKey(filepath.Join(datadir, encryptionKeyFile))
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	if created {
		log.Info("generated new key ring")
	}
	return &KeyRing{sigKey: sigKey, encKey: encKey}, nil
}

// LoadOrCreateWalletKey loads the on-chain wallet key from datadir,
// generating and persisting a fresh one on first run.
func LoadOrCreateWalletKey(datadir string) (*btcec.PrivateKey, error) {
	if err := os.MkdirAll(datadir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	key, created, err := loadOrCreateKey(filepath.Join(datadir, walletKeyFile))
	if err != nil {
		return nil, fmt.Errorf("wallet key: %w", err)
	}
	if created {
		log.Info("generated new wallet key")
	}
	return key, nil
}

// NewEphemeralKeyRing returns a key ring that is not backed by any file.
// Used in tests and for throwaway identities.
func NewEphemeralKeyRing() (*KeyRing, error) {
	sigKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	encKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &KeyRing{sigKey: sigKey, encKey: encKey}, nil
}

// PubKeyRing returns the public halves for inclusion in outbound messages.
func (k *KeyRing) PubKeyRing() PubKeyRing {
	return PubKeyRing{
		SignaturePubKey:  k.sigKey.PubKey().SerializeCompressed(),
		EncryptionPubKey: k.encKey.PubKey().SerializeCompressed(),
	}
}

// SignMessage signs the SHA-256 digest of msg with the signing key and
// returns a DER-encoded signature.
func (k *KeyRing) SignMessage(msg []byte) []byte {
	digest := sha256.Sum256(msg)
	return ecdsa.Sign(k.sigKey, digest[:]).Serialize()
}

// VerifyMessage checks a DER signature over the SHA-256 digest of msg
// against a compressed public key.
func VerifyMessage(msg, derSig, compressedPubKey []byte) error {
	pubKey, err := btcec.ParsePubKey(compressedPubKey)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	digest := sha256.Sum256(msg)
	if !sig.Verify(digest[:], pubKey) {
		return ErrInvalidSignature
	}
	return nil
}

func loadOrCreateKey(path string) (*btcec.PrivateKey, bool, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, false, fmt.Errorf("malformed key file %s", path)
		}
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, priv.Serialize(), 0600); err != nil {
		return nil, false, err
	}
	return priv, true, nil
}
