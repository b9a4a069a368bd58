package mcp

import (
	"errors"
	"io/fs"

	"github.com/harrishan/clawbox/pkg/crypto"
	"github.com/harrishan/clawbox/pkg/storage"
	"github.com/harrishan/clawbox/pkg/vault"
)

// Status is the fixed result-code set every tool reports. Adapters embedding
// the vault in other runtimes use the same codes.
type Status string

const (
	StatusOK              Status = "ok"
	StatusLocked          Status = "locked"
	StatusInvalidPassword Status = "invalid-password"
	StatusNotFound        Status = "not-found"
	StatusIOError         Status = "io-error"
	StatusUnknown         Status = "unknown"
)

// MapStatus collapses a vault error into a status code. Decryption failures
// report as invalid-password; the two are indistinguishable on purpose.
func MapStatus(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, vault.ErrVaultLocked):
		return StatusLocked
	case errors.Is(err, vault.ErrInvalidPassword),
		errors.Is(err, crypto.ErrDecryptionFailed):
		return StatusInvalidPassword
	case errors.Is(err, vault.ErrSecretNotFound):
		return StatusNotFound
	case errors.Is(err, storage.ErrClosed),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission):
		return StatusIOError
	default:
		return StatusUnknown
	}
}
