package l1sender

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zenithlabs/zenith/common/check"
	"github.com/zenithlabs/zenith/internal/prioritytree"
	"github.com/zenithlabs/zenith/internal/types"
)

// rollupContractABI covers the three settlement entry points. The commit
// payload carries the prover-input commitment, the execute payload carries the
// priority-tree inclusion proof for the batch's consumed range.
const rollupContractABI = `[
	{
		"type": "function",
		"name": "commitBatch",
		"inputs": [
			{"name": "batchIndex", "type": "uint256"},
			{"name": "firstBlock", "type": "uint64"},
			{"name": "lastBlock", "type": "uint64"},
			{"name": "inputHash", "type": "bytes32"},
			{"name": "input", "type": "bytes"}
		]
	},
	{
		"type": "function",
		"name": "proveBatch",
		"inputs": [
			{"name": "batchIndex", "type": "uint256"},
			{"name": "proof", "type": "bytes"}
		]
	},
	{
		"type": "function",
		"name": "executeBatch",
		"inputs": [
			{"name": "batchIndex", "type": "uint256"},
			{"name": "priorityRoot", "type": "bytes32"},
			{"name": "priorityFrom", "type": "uint256"},
			{"name": "priorityCount", "type": "uint256"},
			{"name": "priorityProof", "type": "bytes"}
		]
	}
]`

var rollupABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(rollupContractABI))
	check.PanicIfErr(err)
	return parsed
}()

func packCommit(batch *types.Batch) ([]byte, error) {
	return rollupABI.Pack(
		"commitBatch",
		new(big.Int).SetUint64(uint64(batch.Index)),
		batch.FirstBlock.Uint64(),
		batch.LastBlock.Uint64(),
		crypto.Keccak256Hash(batch.ProverInput),
		[]byte(batch.ProverInput),
	)
}

func packProve(batch *types.Batch) ([]byte, error) {
	return rollupABI.Pack(
		"proveBatch",
		new(big.Int).SetUint64(uint64(batch.Index)),
		[]byte(batch.ProofBlob),
	)
}

func packExecute(batch *types.Batch, proof *prioritytree.RangeProof, encodedProof []byte) ([]byte, error) {
	return rollupABI.Pack(
		"executeBatch",
		new(big.Int).SetUint64(uint64(batch.Index)),
		proof.Root,
		new(big.Int).SetUint64(uint64(proof.From)),
		new(big.Int).SetUint64(uint64(len(proof.Leaves))),
		encodedProof,
	)
}
