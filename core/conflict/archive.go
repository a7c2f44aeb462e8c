package conflict

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultArchiveSize = 1000

// Archive keeps the most recently settled conflicts for lookup by id.
// Entries are stored as clones and handed out as clones.
type Archive struct {
	cache *lru.Cache[string, *ContextConflict]
}

func NewArchive(size int) (*Archive, error) {
	if size <= 0 {
		size = DefaultArchiveSize
	}
	cache, err := lru.New[string, *ContextConflict](size)
	if err != nil {
		return nil, err
	}
	return &Archive{cache: cache}, nil
}

func (a *Archive) Add(c *ContextConflict) {
	a.cache.Add(c.ConflictID, c.Clone())
}

func (a *Archive) AddAll(conflicts []*ContextConflict) {
	for _, c := range conflicts {
		a.Add(c)
	}
}

func (a *Archive) Get(id string) (*ContextConflict, bool) {
	c, ok := a.cache.Get(id)
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func (a *Archive) Len() int {
	return a.cache.Len()
}
