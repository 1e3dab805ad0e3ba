package bft

import (
	"fmt"

	"github.com/dgraph-io/badger"
)

const blockPrefix = "block"

// BadgerStore implements the Store interface with a write-through Badger
// database in front of an InmemStore, so blocks survive a restart.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore opens (or creates) a Badger database at path.
func NewBadgerStore(nSubBlocks int, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithSyncWrites(false)
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: NewInmemStore(nSubBlocks),
		db:         handle,
		path:       path,
	}

	return store, nil
}

func blockKey(digest string) []byte {
	return []byte(fmt.Sprintf("%s_%s", blockPrefix, digest))
}

// HasBlock implements the Store interface.
func (s *BadgerStore) HasBlock(digest string) bool {
	if s.inmemStore.HasBlock(digest) {
		return true
	}
	_, err := s.dbGetBlock(digest)
	return err == nil
}

// GetBlock implements the Store interface. It tries the in-memory cache
// first and falls back to the database.
func (s *BadgerStore) GetBlock(digest string) (*Block, error) {
	block, err := s.inmemStore.GetBlock(digest)
	if err != nil {
		block, err = s.dbGetBlock(digest)
	}
	return block, err
}

// SetBlock implements the Store interface, writing through to the database.
func (s *BadgerStore) SetBlock(block *Block) error {
	if err := s.inmemStore.SetBlock(block); err != nil {
		return err
	}
	return s.dbSetBlock(block)
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) dbGetBlock(digest string) (*Block, error) {
	var blockBytes []byte
	key := blockKey(digest)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		blockBytes, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		return nil, err
	}

	block := new(Block)
	if err := block.Unmarshal(blockBytes); err != nil {
		return nil, err
	}

	return block, nil
}

func (s *BadgerStore) dbSetBlock(block *Block) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	key := blockKey(block.Hex())
	val, err := block.Marshal()
	if err != nil {
		return err
	}

	//insert [digest] => [block bytes]
	if err := tx.Set(key, val); err != nil {
		return err
	}

	return tx.Commit()
}
