// Package sealedbox encrypts message bodies to a recipient's public key.
//
// A Sealed value records the algorithm and the recipient key version so that
// keys can rotate without breaking old history. The body bytes are a CBOR
// structure in Core Deterministic Encoding. The codec never holds private
// keys: they are passed to Decode and dropped when it returns.
package sealedbox

import (
	"crypto/rand"
	"encoding/binary"

	"contact_chat/internal/cryptographic/dh"
	"contact_chat/internal/cryptographic/encryption"
	"contact_chat/internal/cryptographic/kdf"
	"contact_chat/internal/model"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
)

const (
	AlgoX25519AESGCM = "x25519-hkdf-sha256-aes256gcm"
	AlgoNaClBoxAnon  = "nacl-box-anon"
	DefaultAlgo      = AlgoX25519AESGCM

	bodyVersion = 1
	hkdfInfo    = "contact_chat/message-key"
)

type (
	// Sealed is an encrypted message body plus the metadata needed to open it.
	Sealed struct {
		Algo       string
		KeyVersion uint32
		Body       []byte
	}

	// PrivateKey is a local X25519 private key and the version it was
	// published under.
	PrivateKey struct {
		Version uint32
		Key     []byte
	}

	// KeyPair is a freshly generated key; only Public is ever published.
	KeyPair struct {
		Private PrivateKey
		Public  []byte
	}

	body struct {
		V   uint8  `cbor:"1,keyasint"`
		Eph []byte `cbor:"2,keyasint,omitempty"`
		CT  []byte `cbor:"3,keyasint"`
	}

	Codec struct {
		algo string
	}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sealedbox: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("sealedbox: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewCodec returns a codec that seals with algo.
func NewCodec(algo string) (*Codec, error) {
	switch algo {
	case AlgoX25519AESGCM, AlgoNaClBoxAnon:
		return &Codec{algo: algo}, nil
	}
	return nil, errors.Wrap(ErrUnknownAlgorithm, algo)
}

// Default returns a codec using DefaultAlgo.
func Default() *Codec {
	return &Codec{algo: DefaultAlgo}
}

func (c *Codec) Algo() string {
	return c.algo
}

// GenerateKeyPair mints a new X25519 key pair for the given published version.
func GenerateKeyPair(version uint32) (*KeyPair, error) {
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Private: PrivateKey{Version: version, Key: priv[:]},
		Public:  pub[:],
	}, nil
}

// Encode seals plaintext so that only the holder of the private key matching
// recipient can open it.
func (c *Codec) Encode(plaintext []byte, recipient *model.KeyRecord) (*Sealed, error) {
	if recipient == nil || len(recipient.PublicKey) != dh.KeySize {
		return nil, ErrInvalidKey
	}

	var b body
	var err error
	switch c.algo {
	case AlgoX25519AESGCM:
		b, err = sealGCM(plaintext, recipient)
	case AlgoNaClBoxAnon:
		b, err = sealBox(plaintext, recipient)
	default:
		return nil, errors.Wrap(ErrUnknownAlgorithm, c.algo)
	}
	if err != nil {
		return nil, err
	}

	data, err := encMode.Marshal(&b)
	if err != nil {
		return nil, errors.Wrap(err, "sealedbox: encode body")
	}
	return &Sealed{Algo: c.algo, KeyVersion: recipient.Version, Body: data}, nil
}

// Decode opens s with key. Every failure matches ErrDecryptionFailed.
func Decode(s *Sealed, key PrivateKey) (plaintext []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			plaintext, err = nil, decryptErr(errors.Errorf("panic: %v", r))
		}
	}()

	if s == nil {
		return nil, decryptErr(ErrCorruptEnvelope)
	}
	if s.KeyVersion != key.Version {
		return nil, decryptErr(errors.Wrapf(ErrUnknownKeyVersion, "envelope v%d, key v%d", s.KeyVersion, key.Version))
	}
	if len(key.Key) != dh.KeySize {
		return nil, decryptErr(ErrInvalidKey)
	}

	var b body
	if err := decMode.Unmarshal(s.Body, &b); err != nil {
		return nil, decryptErr(errors.Wrap(ErrCorruptEnvelope, err.Error()))
	}
	if b.V != bodyVersion {
		return nil, decryptErr(errors.Wrapf(ErrCorruptEnvelope, "body version %d", b.V))
	}

	switch s.Algo {
	case AlgoX25519AESGCM:
		plaintext, err = openGCM(&b, s.KeyVersion, key.Key)
	case AlgoNaClBoxAnon:
		plaintext, err = openBox(&b, key.Key)
	default:
		return nil, decryptErr(errors.Wrap(ErrUnknownAlgorithm, s.Algo))
	}
	if err != nil {
		return nil, decryptErr(err)
	}
	return plaintext, nil
}

// DecodeWith opens s with the key ring entry for its key version.
func DecodeWith(s *Sealed, ring Keyring) ([]byte, error) {
	if s == nil {
		return nil, decryptErr(ErrCorruptEnvelope)
	}
	key, err := ring.PrivateKey(s.KeyVersion)
	if err != nil {
		return nil, decryptErr(err)
	}
	return Decode(s, key)
}

func additionalData(algo string, version uint32, eph []byte) []byte {
	aad := make([]byte, 0, len(algo)+1+4+len(eph))
	aad = append(aad, algo...)
	aad = append(aad, 0)
	aad = binary.BigEndian.AppendUint32(aad, version)
	return append(aad, eph...)
}

func messageKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	return kdf.DeriveKey(shared, salt, []byte(hkdfInfo), encryption.KeySize)
}

func sealGCM(plaintext []byte, recipient *model.KeyRecord) (body, error) {
	ephPriv, ephPub, err := dh.NewX25519KeyPair()
	if err != nil {
		return body{}, err
	}
	shared, err := dh.X25519SharedSecret(ephPriv[:], recipient.PublicKey)
	if err != nil {
		return body{}, errors.Wrap(ErrInvalidKey, err.Error())
	}
	key, err := messageKey(shared, ephPub[:], recipient.PublicKey)
	if err != nil {
		return body{}, err
	}
	ct, err := encryption.AEADEncrypt(key, plaintext, additionalData(AlgoX25519AESGCM, recipient.Version, ephPub[:]))
	if err != nil {
		return body{}, err
	}
	return body{V: bodyVersion, Eph: ephPub[:], CT: ct}, nil
}

func openGCM(b *body, version uint32, priv []byte) ([]byte, error) {
	if len(b.Eph) != dh.KeySize {
		return nil, errors.Wrap(ErrCorruptEnvelope, "ephemeral key")
	}
	pub, err := dh.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	shared, err := dh.X25519SharedSecret(priv, b.Eph)
	if err != nil {
		return nil, err
	}
	key, err := messageKey(shared, b.Eph, pub)
	if err != nil {
		return nil, err
	}
	return encryption.AEADDecrypt(key, b.CT, additionalData(AlgoX25519AESGCM, version, b.Eph))
}

func sealBox(plaintext []byte, recipient *model.KeyRecord) (body, error) {
	var pub [32]byte
	copy(pub[:], recipient.PublicKey)
	ct, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return body{}, errors.Wrap(err, "sealedbox: nacl seal")
	}
	return body{V: bodyVersion, CT: ct}, nil
}

func openBox(b *body, priv []byte) ([]byte, error) {
	pubBytes, err := dh.PublicKey(priv)
	if err != nil {
		return nil, err
	}
	var pub, sk [32]byte
	copy(pub[:], pubBytes)
	copy(sk[:], priv)
	plain, ok := box.OpenAnonymous(nil, b.CT, &pub, &sk)
	if !ok {
		return nil, encryption.ErrOpen
	}
	return plain, nil
}
