package models

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Block is one entry of the development ledger's hash-linked chain. Data
// holds the encoded transaction the block carries.
type Block struct {
	Index      uint64 `json:"index"`
	Timestamp  int64  `json:"timestamp"`
	Data       []byte `json:"data"`
	PrevHash   []byte `json:"prev_hash"`
	Hash       []byte `json:"hash"`
	Nonce      uint64 `json:"nonce"`
	Difficulty uint8  `json:"difficulty"` // leading zero bytes required
}

func NewBlock(index uint64, data []byte, prevHash []byte, difficulty uint8) *Block {
	block := &Block{
		Index:      index,
		Timestamp:  time.Now().UnixNano(),
		Data:       data,
		PrevHash:   prevHash,
		Difficulty: difficulty,
	}

	block.Seal()
	return block
}

// Seal searches for a nonce satisfying the difficulty target.
func (b *Block) Seal() {
	target := make([]byte, b.Difficulty)
	var nonce uint64
	for {
		b.Nonce = nonce
		b.Hash = b.calculateHash()
		if bytes.HasPrefix(b.Hash, target) {
			return
		}
		nonce++
	}
}

func (b *Block) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	buffer.Write(b.Data)
	buffer.Write(b.PrevHash)
	binary.Write(buffer, binary.BigEndian, b.Nonce)
	return crypto.Keccak256(buffer.Bytes())
}

func (b *Block) Validate() bool {
	calculated := b.calculateHash()
	if !bytes.Equal(calculated, b.Hash) {
		return false
	}
	return bytes.HasPrefix(calculated, make([]byte, b.Difficulty))
}

// ValidateChain checks hashes, links, indexes and timestamp ordering of a
// whole chain.
func ValidateChain(blocks []*Block) error {
	for i, block := range blocks {
		if !block.Validate() {
			return fmt.Errorf("block %d has invalid hash", i)
		}
		if i == 0 {
			continue
		}
		prev := blocks[i-1]
		if !bytes.Equal(block.PrevHash, prev.Hash) {
			return fmt.Errorf("block %d has invalid previous hash link", i)
		}
		if block.Index != prev.Index+1 {
			return fmt.Errorf("block %d has invalid index", i)
		}
		if block.Timestamp < prev.Timestamp {
			return fmt.Errorf("block %d has invalid timestamp", i)
		}
	}
	return nil
}
