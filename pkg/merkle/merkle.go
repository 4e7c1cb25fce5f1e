// Package merkle builds binary SHA-256 Merkle trees over hex-encoded leaf
// hashes in append order. Odd node counts duplicate the last node so the
// tree shape is deterministic and reproducible from the leaf set alone.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"attest/pkg/models"
)

var ErrNoLeaves = errors.New("merkle: no leaves")

// Root computes the Merkle root over leaves in order.
func Root(leaves []string) (string, error) {
	level, err := decodeLeaves(leaves)
	if err != nil {
		return "", err
	}
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return hex.EncodeToString(level[0]), nil
}

// Path computes the inclusion path for the leaf at index. Verifying the
// returned path against the leaf reproduces the root.
func Path(leaves []string, index int) ([]models.MerkleStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range [0,%d)", index, len(leaves))
	}
	level, err := decodeLeaves(leaves)
	if err != nil {
		return nil, err
	}
	var path []models.MerkleStep
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := index ^ 1
		path = append(path, models.MerkleStep{
			Hash: hex.EncodeToString(level[sibling]),
			Left: sibling < index,
		})
		level = nextLevel(level)
		index /= 2
	}
	return path, nil
}

// VerifyPath folds a leaf hash through path and compares to root.
func VerifyPath(leaf string, path []models.MerkleStep, root string) bool {
	curr, err := hex.DecodeString(leaf)
	if err != nil {
		return false
	}
	for _, step := range path {
		sib, err := hex.DecodeString(step.Hash)
		if err != nil {
			return false
		}
		if step.Left {
			curr = nodeHash(sib, curr)
		} else {
			curr = nodeHash(curr, sib)
		}
	}
	return hex.EncodeToString(curr) == root
}

func decodeLeaves(leaves []string) ([][]byte, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	out := make([][]byte, len(leaves))
	for i, l := range leaves {
		b, err := hex.DecodeString(l)
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %d is not hex: %w", i, err)
		}
		if len(b) != sha256.Size {
			return nil, fmt.Errorf("merkle: leaf %d has %d bytes, want %d", i, len(b), sha256.Size)
		}
		out[i] = b
	}
	return out, nil
}

func nextLevel(level [][]byte) [][]byte {
	if len(level)%2 == 1 {
		level = append(level, level[len(level)-1])
	}
	next := make([][]byte, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		next = append(next, nodeHash(level[i], level[i+1]))
	}
	return next
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}
