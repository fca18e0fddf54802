package util

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strings"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewToken returns a hex token of exactly 2*size characters.
func NewToken(size int) string {
	bytes := make([]byte, size)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// NewBranchName returns prefix-<n random base36 chars>.
func NewBranchName(prefix string, n int) string {
	var b strings.Builder
	limit := big.NewInt(int64(len(base36)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b.WriteByte(base36[i%len(base36)])
			continue
		}
		b.WriteByte(base36[idx.Int64()])
	}
	if prefix == "" {
		return b.String()
	}
	return prefix + "-" + b.String()
}
