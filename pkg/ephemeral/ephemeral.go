// Package ephemeral creates one-time keypairs for a single ramp attempt. Accounts are
// returned to the caller and never stored.
package ephemeral

import (
	"errors"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stellar/go-stellar-sdk/keypair"
	"github.com/tyler-smith/go-bip39"
	"github.com/vortex-ramp/ephemeral-signer/pkg/chainErrors"
	"github.com/vortex-ramp/ephemeral-signer/pkg/networks"
	"github.com/vortex-ramp/ephemeral-signer/pkg/txSigner"
	"go.uber.org/zap"
)

// DefaultSS58Format is the generic Substrate address prefix.
const DefaultSS58Format uint16 = 42

// mnemonicEntropyBits yields a 12 word phrase.
const mnemonicEntropyBits = 128

var ErrMissingEphemeral = errors.New("missing ephemeral account")

// Account is a generated keypair. Secret is a hex private key (EVM), a mnemonic
// (Substrate) or an S... seed (Stellar).
type Account struct {
	Family  networks.Family `json:"family"`
	Address string          `json:"address"`
	Secret  string          `json:"secret"`
}

// Set holds at most one ephemeral per family for one ramp attempt.
type Set struct {
	Evm       *Account `json:"evm,omitempty"`
	Substrate *Account `json:"substrate,omitempty"`
	Stellar   *Account `json:"stellar,omitempty"`
}

// ForFamily returns the ephemeral of family or a missing-prerequisite error.
func (s Set) ForFamily(family networks.Family) (*Account, error) {
	var acc *Account
	switch family {
	case networks.FamilyEVM:
		acc = s.Evm
	case networks.FamilySubstrate:
		acc = s.Substrate
	case networks.FamilyStellar:
		acc = s.Stellar
	}
	if acc == nil {
		return nil, chainErrors.Wrap(chainErrors.KindMissingPrerequisite, string(family), "no ephemeral account supplied", ErrMissingEphemeral)
	}
	return acc, nil
}

// Factory generates ephemeral accounts from fresh entropy.
type Factory struct {
	ss58Format uint16
	logger     *zap.Logger
}

// NewFactory returns a factory encoding Substrate addresses with ss58Format.
func NewFactory(ss58Format uint16, l *zap.Logger) *Factory {
	if l == nil {
		l = zap.NewNop()
	}
	return &Factory{ss58Format: ss58Format, logger: l}
}

// Create generates a new account of the given family.
func (f *Factory) Create(family networks.Family) (*Account, error) {
	var (
		acc *Account
		err error
	)
	switch family {
	case networks.FamilyEVM:
		acc, err = f.createEvm()
	case networks.FamilySubstrate:
		acc, err = f.createSubstrate()
	case networks.FamilyStellar:
		acc, err = f.createStellar()
	default:
		return nil, chainErrors.New(chainErrors.KindConfiguration, string(family), "unsupported chain family")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s ephemeral: %w", family, err)
	}
	f.logger.Sugar().Debugw("Created ephemeral account",
		zap.String("family", string(family)),
		zap.String("address", acc.Address),
	)
	return acc, nil
}

// CreateSet generates one ephemeral for each requested family.
func (f *Factory) CreateSet(families ...networks.Family) (*Set, error) {
	set := &Set{}
	for _, family := range families {
		acc, err := f.Create(family)
		if err != nil {
			return nil, err
		}
		switch family {
		case networks.FamilyEVM:
			set.Evm = acc
		case networks.FamilySubstrate:
			set.Substrate = acc
		case networks.FamilyStellar:
			set.Stellar = acc
		}
	}
	return set, nil
}

func (f *Factory) createEvm() (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Account{
		Family:  networks.FamilyEVM,
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Secret:  hexutil.Encode(crypto.FromECDSA(key)),
	}, nil
}

func (f *Factory) createSubstrate() (*Account, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	kp, err := signature.KeyringPairFromSecret(mnemonic, f.ss58Format)
	if err != nil {
		return nil, err
	}
	return &Account{
		Family:  networks.FamilySubstrate,
		Address: kp.Address,
		Secret:  mnemonic,
	}, nil
}

func (f *Factory) createStellar() (*Account, error) {
	kp, err := keypair.Random()
	if err != nil {
		return nil, err
	}
	return &Account{
		Family:  networks.FamilyStellar,
		Address: kp.Address(),
		Secret:  kp.Seed(),
	}, nil
}

// EvmSigner converts an EVM ephemeral into a transaction signer.
func EvmSigner(acc *Account) (*txSigner.PrivateKeySigner, error) {
	if acc == nil || acc.Family != networks.FamilyEVM {
		return nil, errors.New("not an evm account")
	}
	return txSigner.NewPrivateKeySigner(acc.Secret)
}

// SubstrateKeypair converts a Substrate ephemeral into an sr25519 keyring pair whose
// address is encoded with ss58Format.
func SubstrateKeypair(acc *Account, ss58Format uint16) (signature.KeyringPair, error) {
	if acc == nil || acc.Family != networks.FamilySubstrate {
		return signature.KeyringPair{}, errors.New("not a substrate account")
	}
	if !bip39.IsMnemonicValid(acc.Secret) {
		return signature.KeyringPair{}, errors.New("invalid substrate mnemonic")
	}
	return signature.KeyringPairFromSecret(acc.Secret, ss58Format)
}

// StellarKeypair converts a Stellar ephemeral into a full keypair.
func StellarKeypair(acc *Account) (*keypair.Full, error) {
	if acc == nil || acc.Family != networks.FamilyStellar {
		return nil, errors.New("not a stellar account")
	}
	return keypair.ParseFull(acc.Secret)
}
