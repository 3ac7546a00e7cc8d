// Package keyring generates and derives sr25519 accounts.
//
// Mnemonics are BIP-39 phrases; keypairs are derived from them with the
// substrate key derivation used by subkey and polkadot-js, so an address
// returned to a caller can be re-derived offline from its mnemonic.
package keyring

import (
	"fmt"
	"strings"
	"sync"

	"github.com/akshatsynkcode/polkawalletgenerator/internal/domain"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/tyler-smith/go-bip39"
)

// DefaultSS58Prefix is the generic substrate address format
const DefaultSS58Prefix uint16 = 42

// DefaultMnemonicWords matches the polkadot-js default phrase length
const DefaultMnemonicWords = 12

const selfCheckURI = "//Alice"

var entropyBits = map[int]int{
	12: 128,
	15: 160,
	18: 192,
	21: 224,
	24: 256,
}

// ValidWordCount reports whether n is a supported mnemonic length
func ValidWordCount(n int) bool {
	_, ok := entropyBits[n]
	return ok
}

// Keyring creates identities for one SS58 network
type Keyring struct {
	network uint16
	words   int

	readyOnce sync.Once
	readyErr  error
}

// New creates a keyring producing mnemonics of the given word count
func New(network uint16, words int) (*Keyring, error) {
	if !ValidWordCount(words) {
		return nil, fmt.Errorf("unsupported mnemonic length %d", words)
	}
	return &Keyring{network: network, words: words}, nil
}

// Ready performs a one-off derivation self-check. Every later call returns
// the same result.
func (k *Keyring) Ready() error {
	k.readyOnce.Do(func() {
		pair, err := signature.KeyringPairFromSecret(selfCheckURI, k.network)
		if err != nil {
			k.readyErr = fmt.Errorf("%w: %v", domain.ErrCryptoNotReady, err)
			return
		}
		if len(pair.PublicKey) != 32 || pair.Address == "" {
			k.readyErr = fmt.Errorf("%w: unexpected sr25519 key shape", domain.ErrCryptoNotReady)
		}
	})
	return k.readyErr
}

// GenerateMnemonic returns a new BIP-39 phrase
func (k *Keyring) GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(entropyBits[k.words])
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// Derive returns the keypair for a mnemonic, seed or derivation URI such as "//Alice"
func (k *Keyring) Derive(uri string) (signature.KeyringPair, error) {
	if strings.TrimSpace(uri) == "" {
		return signature.KeyringPair{}, fmt.Errorf("empty secret uri")
	}
	pair, err := signature.KeyringPairFromSecret(uri, k.network)
	if err != nil {
		return signature.KeyringPair{}, fmt.Errorf("derive keypair: %w", err)
	}
	return pair, nil
}

// NewIdentity generates a mnemonic and derives its account
func (k *Keyring) NewIdentity() (domain.Identity, error) {
	mnemonic, err := k.GenerateMnemonic()
	if err != nil {
		return domain.Identity{}, err
	}
	pair, err := k.Derive(mnemonic)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{
		Mnemonic:  mnemonic,
		Address:   pair.Address,
		PublicKey: append([]byte(nil), pair.PublicKey...),
	}, nil
}

// Funder is the process-wide source of funds. It is derived once and never
// mutated afterwards.
type Funder struct {
	pair signature.KeyringPair
}

// LoadFunder derives the funder account from uri
func LoadFunder(k *Keyring, uri string) (*Funder, error) {
	pair, err := k.Derive(uri)
	if err != nil {
		return nil, fmt.Errorf("load funder: %w", err)
	}
	return &Funder{pair: pair}, nil
}

// Address returns the funder's SS58 address
func (f *Funder) Address() string {
	return f.pair.Address
}

// PublicKey returns a copy of the funder's public key
func (f *Funder) PublicKey() []byte {
	return append([]byte(nil), f.pair.PublicKey...)
}

// Signer returns the keypair used to sign transfers
func (f *Funder) Signer() signature.KeyringPair {
	pair := f.pair
	pair.PublicKey = f.PublicKey()
	return pair
}
