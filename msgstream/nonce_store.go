package msgstream

import (
	"crypto/rand"
	"io"

	"github.com/user/auraphone-msgstream/logger"
)

// NonceStore holds one session nonce per instance slot, keyed by the
// 1-based instance id.
type NonceStore struct {
	nonces [MaxInstances]*[NonceSize]byte
	random io.Reader
	prefix string
}

// NewNonceStore creates an empty store drawing from crypto/rand
func NewNonceStore(prefix string) *NonceStore {
	return &NonceStore{random: rand.Reader, prefix: prefix}
}

func slot(instanceID uint8) (int, bool) {
	if instanceID == 0 || int(instanceID) > MaxInstances {
		return 0, false
	}
	return int(instanceID) - 1, true
}

// Generate fills a fresh random nonce for instanceID unless one exists
func (ns *NonceStore) Generate(instanceID uint8) {
	i, ok := slot(instanceID)
	if !ok {
		logger.Warn(ns.prefix, "⚠️  Nonce generate for invalid instance %d", instanceID)
		return
	}
	if ns.nonces[i] != nil {
		return
	}

	var n [NonceSize]byte
	if _, err := io.ReadFull(ns.random, n[:]); err != nil {
		logger.Error(ns.prefix, "❌ Failed to generate session nonce for instance %d: %v", instanceID, err)
		return
	}
	ns.nonces[i] = &n
	logger.Debug(ns.prefix, "🔑 Session nonce generated for instance %d", instanceID)
}

// Get returns a copy of the nonce for instanceID
func (ns *NonceStore) Get(instanceID uint8) ([NonceSize]byte, bool) {
	i, ok := slot(instanceID)
	if !ok || ns.nonces[i] == nil {
		return [NonceSize]byte{}, false
	}
	return *ns.nonces[i], true
}

// Set stores nonce for instanceID, overwriting any existing value.
// Only the handover restore path sets a nonce it did not generate.
func (ns *NonceStore) Set(instanceID uint8, nonce [NonceSize]byte) {
	i, ok := slot(instanceID)
	if !ok {
		logger.Warn(ns.prefix, "⚠️  Nonce set for invalid instance %d", instanceID)
		return
	}
	n := nonce
	ns.nonces[i] = &n
}

// Clear forgets the nonce for instanceID
func (ns *NonceStore) Clear(instanceID uint8) {
	i, ok := slot(instanceID)
	if !ok {
		return
	}
	if ns.nonces[i] != nil {
		logger.Debug(ns.prefix, "🧹 Session nonce cleared for instance %d", instanceID)
	}
	ns.nonces[i] = nil
}

// ClearAll forgets every nonce
func (ns *NonceStore) ClearAll() {
	for i := range ns.nonces {
		ns.nonces[i] = nil
	}
}
