package httpapi

import (
	"crypto/subtle"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"lukechampine.com/blake3"
)

// maxVerifiedTokens bounds the memo of tokens that matched a bcrypt key.
const maxVerifiedTokens = 64

// apiKeyVerifier checks bearer tokens against a plain key or a bcrypt hash.
// Tokens that matched the hash are remembered by digest so that bcrypt runs
// once per distinct token.
type apiKeyVerifier struct {
	key    string
	hashed bool

	mu       sync.Mutex
	verified map[[32]byte]struct{}
}

func newAPIKeyVerifier(key string) *apiKeyVerifier {
	return &apiKeyVerifier{
		key:      key,
		hashed:   isBcryptHash(key),
		verified: make(map[[32]byte]struct{}),
	}
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

func (v *apiKeyVerifier) verify(token string) bool {
	if token == "" {
		return false
	}
	if !v.hashed {
		return subtle.ConstantTimeCompare([]byte(token), []byte(v.key)) == 1
	}

	digest := blake3.Sum256([]byte(token))
	v.mu.Lock()
	_, ok := v.verified[digest]
	v.mu.Unlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(v.key), []byte(token)) != nil {
		return false
	}
	v.mu.Lock()
	if len(v.verified) >= maxVerifiedTokens {
		clear(v.verified)
	}
	v.verified[digest] = struct{}{}
	v.mu.Unlock()
	return true
}
