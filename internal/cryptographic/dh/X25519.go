package dh

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.PointSize

var ErrInvalidKey = errors.New("dh: invalid X25519 key")

// NewX25519KeyPair generates a new X25519 key pair.
func NewX25519KeyPair() (priv, pub [KeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, errors.Wrap(err, "failed to generate private key")
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, errors.Wrap(err, "failed to derive public key")
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// PublicKey derives the public half of an X25519 private key.
func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidKey
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// X25519SharedSecret performs priv * pub. Low-order public keys are rejected.
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(pub) != KeySize {
		return nil, ErrInvalidKey
	}
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return shared, nil
}
