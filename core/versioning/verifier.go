package versioning

import (
	"errors"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/adalundhe/ctxsync/core/value"
)

const (
	defaultVerifierEntries     = 10000
	defaultVerifierBufferItems = 64
)

var ErrVerifierClosed = errors.New("verifier is closed")

// Verifier recomputes a version's checksum from its data and compares it to
// the stored one. Versions are immutable, so outcomes are memoized by id.
type Verifier struct {
	cache  *ristretto.Cache
	mu     sync.RWMutex
	closed bool
}

func NewVerifier(maxEntries int64) (*Verifier, error) {
	if maxEntries <= 0 {
		maxEntries = defaultVerifierEntries
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: defaultVerifierBufferItems,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Verifier{cache: cache}, nil
}

func (vf *Verifier) Verify(v *ContextVersion) (bool, error) {
	vf.mu.RLock()
	defer vf.mu.RUnlock()
	if vf.closed {
		return false, ErrVerifierClosed
	}

	if cached, found := vf.cache.Get(string(v.VersionID)); found {
		if ok, isBool := cached.(bool); isBool {
			return ok, nil
		}
	}

	sum, err := value.Checksum(v.Data)
	if err != nil {
		return false, err
	}
	ok := sum == v.Checksum
	vf.cache.Set(string(v.VersionID), ok, 1)
	return ok, nil
}

// Wait blocks until buffered cache writes are applied.
func (vf *Verifier) Wait() {
	vf.mu.RLock()
	defer vf.mu.RUnlock()
	if !vf.closed {
		vf.cache.Wait()
	}
}

func (vf *Verifier) Close() {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	if vf.closed {
		return
	}
	vf.closed = true
	vf.cache.Close()
}
