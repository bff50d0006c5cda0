package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

var (
	// ErrDecryption is returned whenever a sealed box cannot be opened:
	// wrong key, tampered ciphertext, bad HMAC or bad signature. The exact
	// cause is deliberately not disclosed to the peer.
	ErrDecryption = errors.New("sealed box: decryption or verification failed")
	// ErrInvalidSignature ...
	ErrInvalidSignature = errors.New("invalid signature")
)

const (
	aesKeySize  = 32
	hmacKeySize = 32
	secretSize  = aesKeySize + hmacKeySize
)

// SealedBox is the hybrid encrypt-then-sign envelope carried on the wire
// for every confidential protocol payload. The one-time symmetric secret is
// wrapped under the recipient's encryption key; the signature covers the
// ciphertext and is verifiable against the bundled sender key
// (key-on-first-use within an authenticated trade).
type SealedBox struct {
	EphemeralPubKey []byte `json:"ephemeralPubKey"`
	WrappedSecret   []byte `json:"wrappedSecret"`
	Ciphertext      []byte `json:"ciphertext"`
	Hmac            []byte `json:"hmac"`
	Signature       []byte `json:"signature"`
	SigPubKey       []byte `json:"sigPubKey"`
}

// Seal encrypts payload for the holder of recipientEncPubKey and signs the
// ciphertext with the sender's key ring. A fresh symmetric secret is drawn
// for every call; no key is ever reused across messages.
func Seal(payload []byte, recipientEncPubKey []byte, sender *KeyRing) (*SealedBox, error) {
	recipientPub, err := btcec.ParsePubKey(recipientEncPubKey)
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}

	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	encKey, macKey := secret[:aesKeySize], secret[aesKeySize:]

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, aes.BlockSize+len(payload))
	copy(ciphertext, iv)
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext[aes.BlockSize:], payload)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(ciphertext)

	// wrap the secret under an ephemeral ECDH agreement with the recipient
	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := wrapSecret(secret, ephemeral, recipientPub)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(ciphertext)
	signature := ecdsa.Sign(sender.sigKey, digest[:]).Serialize()

	return &SealedBox{
		EphemeralPubKey: ephemeral.PubKey().SerializeCompressed(),
		WrappedSecret:   wrapped,
		Ciphertext:      ciphertext,
		Hmac:            mac.Sum(nil),
		Signature:       signature,
		SigPubKey:       sender.PubKeyRing().SignaturePubKey,
	}, nil
}

// Open verifies and decrypts a sealed box with the recipient's key ring.
// It fails closed: any mismatch in signature, HMAC or ciphertext yields
// ErrDecryption and never a partially decrypted payload.
func Open(box *SealedBox, recipient *KeyRing) ([]byte, error) {
	if box == nil || len(box.Ciphertext) < aes.BlockSize {
		return nil, ErrDecryption
	}

	// signature over the ciphertext, verified against the bundled key
	sigPub, err := btcec.ParsePubKey(box.SigPubKey)
	if err != nil {
		return nil, ErrDecryption
	}
	sig, err := ecdsa.ParseDERSignature(box.Signature)
	if err != nil {
		return nil, ErrDecryption
	}
	digest := sha256.Sum256(box.Ciphertext)
	if !sig.Verify(digest[:], sigPub) {
		return nil, ErrDecryption
	}

	ephemeralPub, err := btcec.ParsePubKey(box.EphemeralPubKey)
	if err != nil {
		return nil, ErrDecryption
	}
	secret, err := unwrapSecret(box.WrappedSecret, recipient.encKey, ephemeralPub)
	if err != nil {
		return nil, ErrDecryption
	}
	encKey, macKey := secret[:aesKeySize], secret[aesKeySize:]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(box.Ciphertext)
	if subtle.ConstantTimeCompare(mac.Sum(nil), box.Hmac) != 1 {
		return nil, ErrDecryption
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, ErrDecryption
	}
	payload := make([]byte, len(box.Ciphertext)-aes.BlockSize)
	cipher.NewCTR(block, box.Ciphertext[:aes.BlockSize]).
		XORKeyStream(payload, box.Ciphertext[aes.BlockSize:])
	return payload, nil
}

// wrapSecret encrypts the symmetric secret with AES-GCM under a key derived
// from the ECDH agreement between the ephemeral key and the recipient.
func wrapSecret(secret []byte, ephemeral *btcec.PrivateKey, recipientPub *btcec.PublicKey) ([]byte, error) {
	kek := sha256.Sum256(btcec.GenerateSharedSecret(ephemeral, recipientPub))
	aead, err := newGCM(kek[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, secret, nil)...), nil
}

func unwrapSecret(wrapped []byte, recipientKey *btcec.PrivateKey, ephemeralPub *btcec.PublicKey) ([]byte, error) {
	kek := sha256.Sum256(btcec.GenerateSharedSecret(recipientKey, ephemeralPub))
	aead, err := newGCM(kek[:])
	if err != nil {
		return nil, err
	}
	if len(wrapped) < aead.NonceSize() {
		return nil, ErrDecryption
	}
	nonce, sealed := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	secret, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil || len(secret) != secretSize {
		return nil, ErrDecryption
	}
	return secret, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
