package bft

import (
	"fmt"
	"sync"
)

// InmemStore implements the Store interface with an in-memory map. The
// reactor is the only writer, but the HTTP service reads concurrently, hence
// the lock.
type InmemStore struct {
	sync.RWMutex
	blocks map[string]*Block
}

// NewInmemStore creates a new InmemStore, pre-seeded with the genesis block.
func NewInmemStore(nSubBlocks int) *InmemStore {
	genesis := GenesisBlock(nSubBlocks)
	return &InmemStore{
		blocks: map[string]*Block{
			genesis.Hex(): genesis,
		},
	}
}

// HasBlock implements the Store interface.
func (s *InmemStore) HasBlock(digest string) bool {
	s.RLock()
	defer s.RUnlock()

	_, ok := s.blocks[digest]
	return ok
}

// GetBlock implements the Store interface.
func (s *InmemStore) GetBlock(digest string) (*Block, error) {
	s.RLock()
	defer s.RUnlock()

	block, ok := s.blocks[digest]
	if !ok {
		return nil, fmt.Errorf("block %s not found", digest)
	}
	return block, nil
}

// SetBlock implements the Store interface.
func (s *InmemStore) SetBlock(block *Block) error {
	s.Lock()
	defer s.Unlock()

	digest := block.Hex()
	if _, ok := s.blocks[digest]; ok {
		return nil
	}
	s.blocks[digest] = block
	return nil
}

// Len returns the number of stored blocks.
func (s *InmemStore) Len() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.blocks)
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
