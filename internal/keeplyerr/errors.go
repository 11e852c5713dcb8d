// Package keeplyerr defines the closed error taxonomy shared by every core
// component. Callers classify failures with [Is] (which uses [errors.As] to
// find an *[Error]) against a [Kind] rather than matching strings.
package keeplyerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the seven error categories the engine surfaces.
// Canceled is a status, not a failure: callers should treat it as such.
type Kind int

const (
	// KindConfig reports invalid paths or missing required configuration.
	KindConfig Kind = iota
	// KindIO reports filesystem failures. Fatal only when the metadata file
	// itself is affected; per-file errors during walk/vault writes are
	// local-recoverable and are counted rather than surfaced this way.
	KindIO
	// KindBadFormat reports an envelope magic/version mismatch or a
	// truncated salt/nonce.
	KindBadFormat
	// KindBadPassphrase reports an AES-GCM authentication tag failure.
	KindBadPassphrase
	// KindPlainStorePresent reports that encryption is enabled but the
	// persisted metadata file contains unencrypted bytes.
	KindPlainStorePresent
	// KindDbMigration reports a fatal, process-wide schema migration
	// failure.
	KindDbMigration
	// KindCanceled reports cooperative cancellation. Not an error in the
	// conventional sense: callers should present it as a run status.
	KindCanceled
)

// String renders the kind for log lines and CLI error messages.
func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindBadFormat:
		return "bad_format"
	case KindBadPassphrase:
		return "bad_passphrase"
	case KindPlainStorePresent:
		return "plain_store_present"
	case KindDbMigration:
		return "db_migration"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is a kinded, path-carrying error. It wraps an underlying cause so
// errors.Is/errors.As keep working across the boundary.
type Error struct {
	Kind Kind
	Path string // offending path, empty if not path-specific
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind and optional path.
func New(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ke *Error

	if errors.As(err, &ke) {
		return ke.Kind == kind
	}

	return false
}

// ExitCode maps a kind to the process exit code required by spec: 0 success,
// 1 runtime error, 2 usage error. Canceled is treated as a runtime error by
// callers that choose to exit non-zero on cancellation; most callers should
// check KindCanceled explicitly before falling through to this mapping.
func ExitCode(kind Kind) int {
	if kind == KindConfig {
		return 2
	}

	return 1
}
