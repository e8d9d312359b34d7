package sealedbox

import (
	"testing"

	"contact_chat/internal/model"

	"github.com/stretchr/testify/require"
)

func recordFor(t *testing.T, version uint32) (*KeyPair, *model.KeyRecord) {
	t.Helper()
	kp, err := GenerateKeyPair(version)
	require.NoError(t, err)
	return kp, &model.KeyRecord{UserID: "u2", PublicKey: kp.Public, Version: version}
}

func TestRoundTrip(t *testing.T) {
	for _, algo := range []string{AlgoX25519AESGCM, AlgoNaClBoxAnon} {
		t.Run(algo, func(t *testing.T) {
			codec, err := NewCodec(algo)
			require.NoError(t, err)

			kp, rec := recordFor(t, 3)
			sealed, err := codec.Encode([]byte("hello"), rec)
			require.NoError(t, err)
			require.Equal(t, algo, sealed.Algo)
			require.Equal(t, uint32(3), sealed.KeyVersion)
			require.NotContains(t, string(sealed.Body), "hello")

			plain, err := Decode(sealed, kp.Private)
			require.NoError(t, err)
			require.Equal(t, "hello", string(plain))
		})
	}
}

func TestEncodeIsRandomized(t *testing.T) {
	_, rec := recordFor(t, 1)
	a, err := Default().Encode([]byte("same"), rec)
	require.NoError(t, err)
	b, err := Default().Encode([]byte("same"), rec)
	require.NoError(t, err)
	require.NotEqual(t, a.Body, b.Body)
}

func TestEmptyPlaintext(t *testing.T) {
	kp, rec := recordFor(t, 1)
	sealed, err := Default().Encode(nil, rec)
	require.NoError(t, err)
	plain, err := Decode(sealed, kp.Private)
	require.NoError(t, err)
	require.Empty(t, plain)
}

func TestDecodeWrongKey(t *testing.T) {
	_, rec := recordFor(t, 1)
	other, _ := recordFor(t, 1)

	sealed, err := Default().Encode([]byte("secret"), rec)
	require.NoError(t, err)

	_, err = Decode(sealed, other.Private)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecodeUnknownKeyVersion(t *testing.T) {
	kp, rec := recordFor(t, 1)
	sealed, err := Default().Encode([]byte("secret"), rec)
	require.NoError(t, err)

	key := kp.Private
	key.Version = 2
	_, err = Decode(sealed, key)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.ErrorIs(t, err, ErrUnknownKeyVersion)
}

func TestDecodeUnknownAlgorithm(t *testing.T) {
	kp, rec := recordFor(t, 1)
	sealed, err := Default().Encode([]byte("secret"), rec)
	require.NoError(t, err)

	sealed.Algo = "rot13"
	_, err = Decode(sealed, kp.Private)
	require.ErrorIs(t, err, ErrDecryptionFailed)
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestDecodeKeyVersionIsAuthenticated(t *testing.T) {
	kp, rec := recordFor(t, 1)
	sealed, err := Default().Encode([]byte("secret"), rec)
	require.NoError(t, err)

	sealed.KeyVersion = 9
	key := kp.Private
	key.Version = 9
	_, err = Decode(sealed, key)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecodeCorruptBody(t *testing.T) {
	kp, rec := recordFor(t, 1)
	sealed, err := Default().Encode([]byte("secret"), rec)
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"garbage":   []byte{0xff, 0x00, 0x13},
		"truncated": sealed.Body[:len(sealed.Body)/2],
	}
	flipped := append([]byte(nil), sealed.Body...)
	flipped[len(flipped)-1] ^= 0x01
	cases["flipped"] = flipped

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, err := Decode(&Sealed{Algo: sealed.Algo, KeyVersion: 1, Body: data}, kp.Private)
				require.ErrorIs(t, err, ErrDecryptionFailed)
			})
		})
	}

	_, err = Decode(nil, kp.Private)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncodeRejectsBadRecipient(t *testing.T) {
	_, err := Default().Encode([]byte("x"), nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Default().Encode([]byte("x"), &model.KeyRecord{PublicKey: []byte{1, 2, 3}})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestNewCodecUnknown(t *testing.T) {
	_, err := NewCodec("none")
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestDecodeWithKeyring(t *testing.T) {
	old, oldRec := recordFor(t, 1)
	cur, curRec := recordFor(t, 2)
	ring := NewMemoryKeyring(old.Private, cur.Private)

	a, err := Default().Encode([]byte("before rotation"), oldRec)
	require.NoError(t, err)
	b, err := Default().Encode([]byte("after rotation"), curRec)
	require.NoError(t, err)

	plain, err := DecodeWith(a, ring)
	require.NoError(t, err)
	require.Equal(t, "before rotation", string(plain))

	plain, err = DecodeWith(b, ring)
	require.NoError(t, err)
	require.Equal(t, "after rotation", string(plain))

	_, err = DecodeWith(&Sealed{Algo: DefaultAlgo, KeyVersion: 7}, ring)
	require.ErrorIs(t, err, ErrUnknownKeyVersion)
}
