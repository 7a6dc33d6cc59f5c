// Package securestore seals a 32-byte root private key under a password into
// a fixed-layout binary blob and opens it again.
//
// Layout (90 bytes):
//
//	version(1) | kdf_id(1) | m u32le | t u32le | p u32le | salt(16) | nonce(12) | ciphertext(32) | tag(16)
//
// The first 42 bytes are authenticated as associated data.
package securestore

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	blobVersion = 0x01

	RootKeySize = 32
	saltSize    = 16
	nonceSize   = chacha20poly1305.NonceSize
	tagSize     = chacha20poly1305.Overhead
	headerSize  = 1 + 1 + 4 + 4 + 4 + saltSize + nonceSize

	// BlobSize is the exact length of every backup blob.
	BlobSize = headerSize + RootKeySize + tagSize
)

// KDFID selects a key derivation function and its fixed parameters.
type KDFID byte

const (
	KDFArgon2id KDFID = 0x01
	KDFPBKDF2   KDFID = 0x02
)

func (k KDFID) String() string {
	switch k {
	case KDFArgon2id:
		return "argon2id"
	case KDFPBKDF2:
		return "pbkdf2-sha256"
	default:
		return fmt.Sprintf("kdf(0x%02x)", byte(k))
	}
}

// ParseKDF maps a configuration name to a KDFID.
func ParseKDF(name string) (KDFID, error) {
	switch name {
	case "argon2id", "":
		return KDFArgon2id, nil
	case "pbkdf2", "pbkdf2-sha256":
		return KDFPBKDF2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKDF, name)
	}
}

// KDFParams are the cost parameters recorded in a blob header. Fields a KDF
// does not use are zero.
type KDFParams struct {
	Memory  uint32 // KiB
	Time    uint32 // passes or iterations
	Threads uint32
}

var (
	ErrDecryption   = errors.New("backup decryption failed")
	ErrInvalidBlob  = errors.New("backup blob is invalid")
	ErrUnknownKDF   = errors.New("unknown kdf")
	ErrInvalidInput = errors.New("root key must be 32 bytes and password non-empty")
)

// kdfParams is the only accepted parameter set per id. A blob carrying any
// other values is refused so a stored blob cannot lower the work factor.
var kdfParams = map[KDFID]KDFParams{
	KDFArgon2id: {Memory: 64 * 1024, Time: 3, Threads: 1},
	KDFPBKDF2:   {Time: 600_000},
}

// Params returns the fixed parameters for id.
func Params(id KDFID) (KDFParams, error) {
	p, ok := kdfParams[id]
	if !ok {
		return KDFParams{}, ErrUnknownKDF
	}
	return p, nil
}

// Header is the parsed, unauthenticated prefix of a blob.
type Header struct {
	KDF    KDFID
	Params KDFParams
	Salt   []byte
	Nonce  []byte
}

// Encrypt seals rootKey under password with a fresh salt and nonce.
func Encrypt(rootKey, password []byte, kdf KDFID) ([]byte, error) {
	if len(rootKey) != RootKeySize || len(password) == 0 {
		return nil, ErrInvalidInput
	}
	params, err := Params(kdf)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	header := encodeHeader(Header{KDF: kdf, Params: params, Salt: salt, Nonce: nonce})

	key := deriveKey(kdf, params, password, salt)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, BlobSize)
	out = append(out, header...)
	return aead.Seal(out, nonce, rootKey, header), nil
}

// Decrypt opens a blob. Every failure, whatever its cause, is ErrDecryption.
func Decrypt(blob, password []byte) ([]byte, error) {
	h, err := ParseHeader(blob)
	if err != nil || len(password) == 0 {
		return nil, ErrDecryption
	}
	key := deriveKey(h.KDF, h.Params, password, h.Salt)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, h.Nonce, blob[headerSize:], blob[:headerSize])
	if err != nil {
		return nil, ErrDecryption
	}
	if len(plaintext) != RootKeySize {
		zeroBytes(plaintext)
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// ParseHeader validates the blob shape and that its KDF parameters are the
// fixed ones for its kdf id. It does not authenticate anything.
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) != BlobSize {
		return Header{}, fmt.Errorf("%w: length %d", ErrInvalidBlob, len(blob))
	}
	if blob[0] != blobVersion {
		return Header{}, fmt.Errorf("%w: version %d", ErrInvalidBlob, blob[0])
	}
	id := KDFID(blob[1])
	want, ok := kdfParams[id]
	if !ok {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidBlob, ErrUnknownKDF)
	}
	got := KDFParams{
		Memory:  binary.LittleEndian.Uint32(blob[2:6]),
		Time:    binary.LittleEndian.Uint32(blob[6:10]),
		Threads: binary.LittleEndian.Uint32(blob[10:14]),
	}
	if got != want {
		return Header{}, fmt.Errorf("%w: kdf parameters differ from %s defaults", ErrInvalidBlob, id)
	}
	return Header{
		KDF:    id,
		Params: got,
		Salt:   bytes.Clone(blob[14 : 14+saltSize]),
		Nonce:  bytes.Clone(blob[14+saltSize : headerSize]),
	}, nil
}

func encodeHeader(h Header) []byte {
	out := make([]byte, headerSize)
	out[0] = blobVersion
	out[1] = byte(h.KDF)
	binary.LittleEndian.PutUint32(out[2:6], h.Params.Memory)
	binary.LittleEndian.PutUint32(out[6:10], h.Params.Time)
	binary.LittleEndian.PutUint32(out[10:14], h.Params.Threads)
	copy(out[14:14+saltSize], h.Salt)
	copy(out[14+saltSize:], h.Nonce)
	return out
}

func deriveKey(id KDFID, p KDFParams, password, salt []byte) []byte {
	switch id {
	case KDFPBKDF2:
		return pbkdf2.Key(password, salt, int(p.Time), chacha20poly1305.KeySize, sha256.New)
	default:
		return argon2.IDKey(password, salt, p.Time, p.Memory, uint8(p.Threads), chacha20poly1305.KeySize)
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
