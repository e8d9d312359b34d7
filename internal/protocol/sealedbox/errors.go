package sealedbox

import "github.com/pkg/errors"

var (
	// ErrDecryptionFailed matches every failure returned by Decode.
	ErrDecryptionFailed = errors.New("sealedbox: decryption failed")

	ErrUnknownAlgorithm  = errors.New("sealedbox: unknown algorithm")
	ErrUnknownKeyVersion = errors.New("sealedbox: no private key for key version")
	ErrCorruptEnvelope   = errors.New("sealedbox: corrupt envelope body")
	ErrInvalidKey        = errors.New("sealedbox: invalid key")
)

// DecryptError is returned by Decode. It matches ErrDecryptionFailed and
// unwraps to the specific reason.
type DecryptError struct {
	Reason error
}

func (e *DecryptError) Error() string {
	return ErrDecryptionFailed.Error() + ": " + e.Reason.Error()
}

func (e *DecryptError) Is(target error) bool {
	return target == ErrDecryptionFailed
}

func (e *DecryptError) Unwrap() error {
	return e.Reason
}

func decryptErr(reason error) error {
	return &DecryptError{Reason: reason}
}
