package prioritytree

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/zenithlabs/zenith/internal/types"
)

// merkleLevels builds the full level structure of an append-only keccak tree
// over the given leaves. A level of odd length pairs its last node with a
// single zero hash; level 0 holds the leaves.
func merkleLevels(leaves []common.Hash) [][]common.Hash {
	if len(leaves) == 0 {
		return [][]common.Hash{{}}
	}

	levels := [][]common.Hash{append([]common.Hash(nil), leaves...)}
	for len(levels[len(levels)-1]) > 1 {
		current := levels[len(levels)-1]
		next := make([]common.Hash, (len(current)+1)/2)
		for i := range next {
			left := current[2*i]
			right := common.Hash{}
			if 2*i+1 < len(current) {
				right = current[2*i+1]
			}
			next[i] = crypto.Keccak256Hash(left.Bytes(), right.Bytes())
		}
		levels = append(levels, next)
	}
	return levels
}

func merkleRoot(leaves []common.Hash) common.Hash {
	levels := merkleLevels(leaves)
	top := levels[len(levels)-1]
	if len(top) == 0 {
		return types.EmptyHash
	}
	return top[0]
}

// RangeProof attests to the inclusion of a contiguous run of priority
// transactions in the tree at a given leaf count. Used when building
// `execute` transactions for L1.
type RangeProof struct {
	From      types.PriorityIndex `json:"from"`
	Leaves    []common.Hash       `json:"leaves"`
	Siblings  [][]common.Hash     `json:"siblings"`
	LeafCount uint64              `json:"leafCount"`
	Root      common.Hash         `json:"root"`
}

func proveRange(leaves []common.Hash, from, to types.PriorityIndex) (*RangeProof, error) {
	if uint64(to) > uint64(len(leaves)) || from > to {
		return nil, fmt.Errorf("invalid proof range [%d, %d) over %d leaves", from, to, len(leaves))
	}

	levels := merkleLevels(leaves)
	proof := &RangeProof{
		From:      from,
		LeafCount: uint64(len(leaves)),
		Root:      merkleRoot(leaves),
	}

	for index := from; index < to; index++ {
		proof.Leaves = append(proof.Leaves, leaves[index])

		var siblings []common.Hash
		position := uint64(index)
		for _, level := range levels[:len(levels)-1] {
			sibling := common.Hash{}
			if pos := position ^ 1; pos < uint64(len(level)) {
				sibling = level[pos]
			}
			siblings = append(siblings, sibling)
			position >>= 1
		}
		proof.Siblings = append(proof.Siblings, siblings)
	}
	return proof, nil
}

// Verify checks every leaf path against the proof's root.
func (p *RangeProof) Verify() bool {
	for i, leaf := range p.Leaves {
		node := leaf
		position := uint64(p.From) + uint64(i)
		for _, sibling := range p.Siblings[i] {
			if position&1 == 0 {
				node = crypto.Keccak256Hash(node.Bytes(), sibling.Bytes())
			} else {
				node = crypto.Keccak256Hash(sibling.Bytes(), node.Bytes())
			}
			position >>= 1
		}
		if node != p.Root {
			return false
		}
	}
	return true
}
