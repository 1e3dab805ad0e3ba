package bft

// Store is the block store: blocks indexed by digest. The consensus core
// owns one store and uses it both to serve fetch requests and to walk parent
// chains when committing.
type Store interface {
	// HasBlock indicates whether the block is locally available.
	HasBlock(digest string) bool

	// GetBlock retrieves a block by digest.
	GetBlock(digest string) (*Block, error)

	// SetBlock records a block. Blocks are immutable; re-inserting the same
	// digest is a no-op.
	SetBlock(block *Block) error

	// Close releases underlying resources.
	Close() error
}
