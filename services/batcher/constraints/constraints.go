package constraints

import "time"

type BatchConstraints struct {
	// SealingTimeout defines the max allowed interval between the first block
	// of a batch and batch sealing.
	SealingTimeout time.Duration `yaml:"sealingTimeout,omitempty"`

	// MaxBlocksCount specifies the maximum number of blocks allowed
	// to be included in a single batch.
	MaxBlocksCount uint32 `yaml:"maxBlocksCount,omitempty"`

	// MaxInputWords bounds the prover input size, in 32-bit words.
	MaxInputWords uint64 `yaml:"maxInputWords,omitempty"`

	// SealOnPriorityBoundary seals a batch once its run of priority
	// transactions ends, if the rollup policy requires aligned batches.
	SealOnPriorityBoundary bool `yaml:"sealOnPriorityBoundary,omitempty"`
}

func NewBatchConstraints(
	sealingTimeout time.Duration,
	maxBlocksCount uint32,
	maxInputWords uint64,
) BatchConstraints {
	return BatchConstraints{
		SealingTimeout: sealingTimeout,
		MaxBlocksCount: maxBlocksCount,
		MaxInputWords:  maxInputWords,
	}
}

func DefaultBatchConstraints() BatchConstraints {
	const defaultSealingTimeout = 12 * time.Second
	const defaultMaxBlocksCount = 100
	const defaultMaxInputWords = 1 << 20
	return NewBatchConstraints(defaultSealingTimeout, defaultMaxBlocksCount, defaultMaxInputWords)
}
