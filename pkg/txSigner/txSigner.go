// Package txSigner provides EVM transaction signing for the executor and ephemeral
// accounts. Implementations sign fully built transactions; fee and nonce derivation
// happen in the chain manager.
package txSigner

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ITransactionSigner defines the interface for signing EVM transactions.
// Implementations may keep the key in memory or delegate to a remote key service.
type ITransactionSigner interface {
	// GetAddress returns the address used as the 'from' field of signed transactions.
	GetAddress() (common.Address, error)

	// SignTransaction signs tx for the given chain using the latest signer rules
	// (EIP-1559 and EIP-155 replay protection).
	//
	// Parameters:
	//   - ctx: Context for the operation
	//   - chainID: The chain ID for the target blockchain
	//   - tx: The unsigned transaction
	//
	// Returns:
	//   - *types.Transaction: The signed transaction
	//   - error: An error if the transaction cannot be signed
	SignTransaction(ctx context.Context, chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// GetTransactOpts builds bind.TransactOpts backed by signer, for use with generated
// contract bindings.
func GetTransactOpts(ctx context.Context, signer ITransactionSigner, chainID *big.Int) (*bind.TransactOpts, error) {
	from, err := signer.GetAddress()
	if err != nil {
		return nil, fmt.Errorf("failed to get signer address: %w", err)
	}
	return &bind.TransactOpts{
		From:    from,
		Context: ctx,
		Signer: func(address common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if address != from {
				return nil, bind.ErrNotAuthorized
			}
			return signer.SignTransaction(ctx, chainID, tx)
		},
	}, nil
}
