package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// GenesisPreviousHash is the previous_hash of the genesis block.
const GenesisPreviousHash = "0"

// Block is one hash-linked unit of the chain. Field order is the canonical
// (lexicographic) key order; the hash field is excluded from its own preimage.
type Block struct {
	Hash         string         `json:"hash"`
	Index        uint64         `json:"index"`
	Nonce        uint64         `json:"nonce"`
	PreviousHash string         `json:"previous_hash"`
	Timestamp    string         `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
}

// hashSubset is the block without its hash field, in canonical key order.
type hashSubset struct {
	Index        uint64         `json:"index"`
	Nonce        uint64         `json:"nonce"`
	PreviousHash string         `json:"previous_hash"`
	Timestamp    string         `json:"timestamp"`
	Transactions []*Transaction `json:"transactions"`
}

// NewBlock constructs an unsealed block; the caller runs proof-of-work to
// find the nonce and set the hash.
func NewBlock(index uint64, timestamp string, txs []*Transaction, previousHash string) *Block {
	if txs == nil {
		txs = []*Transaction{}
	}
	b := &Block{
		Index:        index,
		Timestamp:    timestamp,
		Transactions: txs,
		PreviousHash: previousHash,
	}
	b.Hash = b.ComputeHash()
	return b
}

// NewGenesisBlock returns block 0: empty transaction list, previous hash "0".
func NewGenesisBlock(timestamp string) *Block {
	return NewBlock(0, timestamp, nil, GenesisPreviousHash)
}

// ComputeHash returns the hex SHA-256 of the block's canonical form excluding
// the hash field itself.
func (b *Block) ComputeHash() string {
	enc, err := json.Marshal(&hashSubset{
		Index:        b.Index,
		Nonce:        b.Nonce,
		PreviousHash: b.PreviousHash,
		Timestamp:    b.Timestamp,
		Transactions: b.Transactions,
	})
	if err != nil {
		// Transactions are plain JSON-safe values; marshal cannot fail for
		// blocks built through this package.
		panic("types: block hash encoding failed: " + err.Error())
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:])
}

// HasDifficulty reports whether the hash carries the required number of
// leading zero nibbles.
func HasDifficulty(hash string, difficulty int) bool {
	return strings.HasPrefix(hash, strings.Repeat("0", difficulty))
}

// Copy returns a deep copy of the block.
func (b *Block) Copy() *Block {
	cpy := *b
	cpy.Transactions = make([]*Transaction, len(b.Transactions))
	for i, tx := range b.Transactions {
		cpy.Transactions[i] = tx.Copy()
	}
	return &cpy
}
