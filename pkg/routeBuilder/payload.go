package routeBuilder

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// EncodePayload encodes the destination payload handed to the receiving contract: the
// 32 byte account id of the ephemeral that receives the forwarded tokens.
func EncodePayload(accountHex string) ([]byte, error) {
	account, err := hexutil.Decode(accountHex)
	if err != nil {
		return nil, fmt.Errorf("invalid account id: %w", err)
	}
	if len(account) != common.HashLength {
		return nil, fmt.Errorf("account id must be %d bytes, got %d", common.HashLength, len(account))
	}
	args := ReceiverABI.Methods["executeXCM"].Inputs[1:]
	return args.Pack(account)
}

// NewReceiverID returns a random identifier for one inbound transfer.
func NewReceiverID() (common.Hash, error) {
	var id common.Hash
	if _, err := rand.Read(id[:]); err != nil {
		return common.Hash{}, fmt.Errorf("failed to generate receiver id: %w", err)
	}
	return id, nil
}

// CorrelationHash is keccak256(id ‖ payload). The receiving contract stores it when
// the bridge leg lands and releases the transfer to the caller presenting id and payload.
func CorrelationHash(id common.Hash, payload []byte) common.Hash {
	return crypto.Keccak256Hash(id[:], payload)
}
