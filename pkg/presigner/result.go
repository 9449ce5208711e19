package presigner

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	merkletree "github.com/wealdtech/go-merkletree/v2"
	"github.com/wealdtech/go-merkletree/v2/keccak256"
)

// Result is a signed batch. Root commits to every signed payload of the batch,
// alternates included, so a consumer can check a single transaction against the
// batch it was issued with.
type Result struct {
	BatchID      uuid.UUID              `json:"batchId"`
	Transactions []PresignedTransaction `json:"transactions"`
	Root         hexutil.Bytes          `json:"root,omitempty"`

	tree   *merkletree.MerkleTree
	leaves map[string]uint64
}

func leafKey(network, name string) string {
	return network + "/" + name
}

// EncodeLeaf hashes one signed payload under its network and name.
func EncodeLeaf(network, name, payload string) []byte {
	return crypto.Keccak256([]byte(leafKey(network, name)), []byte(payload))
}

func newResult(id uuid.UUID, signed []PresignedTransaction) (*Result, error) {
	r := &Result{BatchID: id, Transactions: signed, leaves: make(map[string]uint64)}

	data := make([][]byte, 0, len(signed))
	add := func(network, name, payload string) {
		r.leaves[leafKey(network, name)] = uint64(len(data))
		data = append(data, EncodeLeaf(network, name, payload))
	}
	for _, tx := range signed {
		add(string(tx.Network), tx.Phase, tx.TxData.Encoded)

		names := make([]string, 0, len(tx.Meta.AdditionalTxs))
		for name := range tx.Meta.AdditionalTxs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			add(string(tx.Network), name, tx.Meta.AdditionalTxs[name].TxData.Encoded)
		}
	}
	if len(data) == 0 {
		return r, nil
	}

	tree, err := merkletree.NewTree(
		merkletree.WithData(data),
		merkletree.WithHashType(keccak256.New()),
	)
	if err != nil {
		return nil, fmt.Errorf("presigner: failed to create merkle tree: %w", err)
	}
	r.tree = tree
	r.Root = tree.Root()
	return r, nil
}

// Proof returns the flattened inclusion proof and leaf index of the payload named
// name ("{phase}" for a primary, "{phase}{offset}" for an alternate) on network.
func (r *Result) Proof(network, name string) ([]byte, uint64, error) {
	if r.tree == nil {
		return nil, 0, fmt.Errorf("batch %s has no merkle tree", r.BatchID)
	}
	idx, ok := r.leaves[leafKey(network, name)]
	if !ok {
		return nil, 0, fmt.Errorf("transaction %s not found on %s", name, network)
	}
	proof, err := r.tree.GenerateProofWithIndex(idx, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to generate proof for %s: %w", name, err)
	}
	return flattenHashes(proof.Hashes), idx, nil
}

// VerifyProof checks that the payload named name belongs to the batch.
func (r *Result) VerifyProof(network, name, payload string) (bool, error) {
	if r.tree == nil {
		return false, fmt.Errorf("batch %s has no merkle tree", r.BatchID)
	}
	idx, ok := r.leaves[leafKey(network, name)]
	if !ok {
		return false, nil
	}
	proof, err := r.tree.GenerateProofWithIndex(idx, 0)
	if err != nil {
		return false, err
	}
	return merkletree.VerifyProofUsing(EncodeLeaf(network, name, payload), false, proof, [][]byte{r.tree.Root()}, keccak256.New())
}

func flattenHashes(hashes [][]byte) []byte {
	result := make([]byte, 0)
	for i := 0; i < len(hashes); i++ {
		result = append(result, hashes[i]...)
	}
	return result
}
