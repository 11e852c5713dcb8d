// Package envelope implements the at-rest encryption format shared by the
// metadata store's encrypted snapshots and the vault's blob files: a short
// fixed header (magic, version, salt, nonce) followed by an AES-256-GCM
// sealed payload, keyed by PBKDF2-HMAC-SHA256 over the caller's passphrase.
//
// The pack carries no third-party AEAD wrapper, and the format is small
// enough that hand-rolling the header on top of the standard library's
// crypto/aes and crypto/cipher is the straightforward choice; PBKDF2 comes
// from golang.org/x/crypto, already part of the corpus's crypto family.
package envelope

import (
	"bufio"
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/pkg/fs"
)

// Magic identifies a Keeply-encrypted file. It is checked byte-for-byte
// before any other parsing is attempted.
const Magic = "KEEPLYENC"

const (
	// Version is the only envelope format version this package emits or
	// accepts.
	Version byte = 0x01

	saltSize  = 16
	nonceSize = 12
	keyLen    = 32

	// Iterations is the PBKDF2-HMAC-SHA256 round count applied to every
	// passphrase. Raising it is a breaking format change: existing
	// envelopes were sealed with whatever value was current at the time,
	// and this package has no per-file iteration count, so it must never
	// change across a release.
	Iterations = 250_000

	// HeaderLen is the number of bytes preceding the ciphertext: magic,
	// version, salt, nonce.
	HeaderLen = len(Magic) + 1 + saltSize + nonceSize

	// streamBufferSize is the chunk size used when buffering plaintext
	// into memory prior to sealing. AES-GCM authenticates the message as
	// a whole, so there is exactly one seal/open per envelope; the chunk
	// size only governs how the source is read.
	streamBufferSize = 64 * 1024

	sqliteMagic = "SQLite format 3\x00"
)

// Seal derives a key from passphrase with a fresh random salt, encrypts the
// entirety of plaintext under a fresh random nonce, and writes the resulting
// envelope to path via writer. plaintext is read in streamBufferSize chunks;
// the whole message is sealed as one AES-GCM operation since the format
// carries a single nonce per file.
func Seal(writer *fs.AtomicWriter, path string, passphrase []byte, plaintext io.Reader) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, path, fmt.Errorf("generate salt: %w", err))
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, path, fmt.Errorf("generate nonce: %w", err))
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindIO, path, err)
	}

	var buf bytes.Buffer

	r := bufio.NewReaderSize(plaintext, streamBufferSize)
	if _, err := io.Copy(&buf, r); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, path, fmt.Errorf("read plaintext: %w", err))
	}

	sealed := gcm.Seal(nil, nonce, buf.Bytes(), nil)

	var out bytes.Buffer
	out.Grow(HeaderLen + len(sealed))
	out.WriteString(Magic)
	out.WriteByte(Version)
	out.Write(salt)
	out.Write(nonce)
	out.Write(sealed)

	if err := writer.WriteWithDefaults(path, &out); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, path, err)
	}

	return nil
}

// Open reads the envelope at path, verifies its header, and decrypts the
// payload under passphrase. Returns KindBadFormat if the header is missing,
// truncated, or carries an unsupported version; KindBadPassphrase if
// authentication fails (wrong passphrase or corrupted ciphertext, which are
// indistinguishable under AES-GCM); KindIO for underlying read failures.
func Open(fsys fs.FS, path string, passphrase []byte) ([]byte, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, keeplyerr.New(keeplyerr.KindIO, path, err)
	}

	if len(raw) < HeaderLen {
		return nil, keeplyerr.New(keeplyerr.KindBadFormat, path, fmt.Errorf("envelope shorter than header (%d bytes)", len(raw)))
	}

	if !bytes.Equal(raw[:len(Magic)], []byte(Magic)) {
		return nil, keeplyerr.New(keeplyerr.KindBadFormat, path, fmt.Errorf("bad magic"))
	}

	version := raw[len(Magic)]
	if version != Version {
		return nil, keeplyerr.New(keeplyerr.KindBadFormat, path, fmt.Errorf("unsupported version %d", version))
	}

	offset := len(Magic) + 1
	salt := raw[offset : offset+saltSize]
	offset += saltSize
	nonce := raw[offset : offset+nonceSize]
	offset += nonceSize
	ciphertext := raw[offset:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, keeplyerr.New(keeplyerr.KindIO, path, err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, keeplyerr.New(keeplyerr.KindBadPassphrase, path, fmt.Errorf("authentication failed"))
	}

	return plaintext, nil
}

func newGCM(passphrase, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(passphrase, salt, Iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	return gcm, nil
}

// LooksEncrypted reports whether header (the first len(Magic) bytes or more
// of a file) carries the Keeply envelope magic. Intended for the store's
// PlainStorePresent detection: a short, cheap sniff before attempting a
// full Open.
func LooksEncrypted(header []byte) bool {
	return len(header) >= len(Magic) && bytes.Equal(header[:len(Magic)], []byte(Magic))
}

// LooksPlainSQLite reports whether header begins with the SQLite file
// format magic, meaning the file was persisted unencrypted.
func LooksPlainSQLite(header []byte) bool {
	return len(header) >= len(sqliteMagic) && bytes.Equal(header[:len(sqliteMagic)], []byte(sqliteMagic))
}
