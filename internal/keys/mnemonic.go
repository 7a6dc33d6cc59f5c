package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoRoot   = "trustchain/root/signing/v1"
	hkdfInfoDevice = "trustchain/device/%d"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrMnemonicRequired = errors.New("mnemonic is required")
)

// NewRootMnemonic returns a fresh 24-word recovery phrase.
func NewRootMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	defer Zero(entropy)
	return bip39.NewMnemonic(entropy)
}

// RootSeedFromMnemonic derives the 32-byte root signing seed for a phrase.
func RootSeedFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if mnemonic == "" {
		return nil, ErrMnemonicRequired
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer Zero(seed)
	return hkdfExpand(seed, hkdfInfoRoot)
}

// RootSignerFromMnemonic is RootSeedFromMnemonic followed by NewSoftwareSigner.
func RootSignerFromMnemonic(mnemonic string) (*SoftwareSigner, error) {
	seed, err := RootSeedFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	defer Zero(seed)
	return NewSoftwareSigner(seed)
}

// DeriveDeviceSeed derives the seed for the index-th device of a root.
func DeriveDeviceSeed(rootSeed []byte, index int) ([]byte, error) {
	if len(rootSeed) != 32 {
		return nil, ErrInvalidSeed
	}
	if index < 0 {
		return nil, fmt.Errorf("device index must be non-negative, got %d", index)
	}
	return hkdfExpand(rootSeed, fmt.Sprintf(hkdfInfoDevice, index))
}

func hkdfExpand(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
