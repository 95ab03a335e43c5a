// Package idgen generates compact, prefixed identifiers for waitsets and
// notification sessions.
//
// An id is a caller supplied prefix followed by 20 lowercase base32
// characters encoding 12 bytes:
//   - 4 bytes: creation time in seconds
//   - 3 bytes: node id, random per process
//   - 2 bytes: per-generator sequence
//   - 3 bytes: random data
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

const encodedLen = 20

var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Generator produces ids that are unique within a process and, with high
// probability, across processes.
type Generator struct {
	node [3]byte
	seq  atomic.Uint32
	now  func() time.Time
}

// NewGenerator returns a generator with a random node id. When the system
// random source fails, the node id is derived from the hostname.
func NewGenerator() *Generator {
	g := &Generator{now: time.Now}
	if _, err := rand.Read(g.node[:]); err != nil {
		hostname, _ := os.Hostname()
		copy(g.node[:], hostname)
	}
	return g
}

// Next returns a new id carrying the given prefix.
func (g *Generator) Next(prefix string) string {
	var raw [12]byte
	binary.BigEndian.PutUint32(raw[0:4], uint32(g.now().Unix()))
	copy(raw[4:7], g.node[:])
	binary.BigEndian.PutUint16(raw[7:9], uint16(g.seq.Add(1)))
	if _, err := rand.Read(raw[9:12]); err != nil {
		binary.BigEndian.PutUint16(raw[9:11], uint16(g.now().UnixNano()))
	}
	return prefix + encoding.EncodeToString(raw[:])
}

// CreatedAt decodes the creation time of an id produced with prefix.
func CreatedAt(id, prefix string) (time.Time, error) {
	if !strings.HasPrefix(id, prefix) {
		return time.Time{}, fmt.Errorf("id %q does not have prefix %q", id, prefix)
	}
	body := id[len(prefix):]
	if len(body) != encodedLen {
		return time.Time{}, fmt.Errorf("id %q has invalid length", id)
	}
	raw, err := encoding.DecodeString(body)
	if err != nil {
		return time.Time{}, fmt.Errorf("id %q is not valid base32: %w", id, err)
	}
	return time.Unix(int64(binary.BigEndian.Uint32(raw[0:4])), 0), nil
}

var defaultGenerator = NewGenerator()

// New returns a new id from the process-wide generator.
func New(prefix string) string {
	return defaultGenerator.Next(prefix)
}
