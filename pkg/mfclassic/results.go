package mfclassic

// SectorKeys holds what is known about one sector's keys.
type SectorKeys struct {
	KeyA   Key
	KeyB   Key
	FoundA bool
	FoundB bool
}

// Done reports whether both keys are known.
func (s SectorKeys) Done() bool {
	return s.FoundA && s.FoundB
}

// ResultTable maps sectors to recovered keys. Entries only ever move from
// not-found to found.
type ResultTable struct {
	sectors []SectorKeys
}

// NewResultTable returns an empty table for n sectors.
func NewResultTable(n int) *ResultTable {
	if n < 0 {
		n = 0
	}
	return &ResultTable{sectors: make([]SectorKeys, n)}
}

// Len returns the sector count.
func (t *ResultTable) Len() int {
	return len(t.sectors)
}

// Sector returns a copy of one entry.
func (t *ResultTable) Sector(s int) SectorKeys {
	return t.sectors[s]
}

// Found reports whether the key of the given type is known for sector s.
func (t *ResultTable) Found(s int, kt KeyType) bool {
	if kt == KeyB {
		return t.sectors[s].FoundB
	}
	return t.sectors[s].FoundA
}

// Key returns the key of the given type for sector s.
func (t *ResultTable) Key(s int, kt KeyType) (Key, bool) {
	e := t.sectors[s]
	if kt == KeyB {
		return e.KeyB, e.FoundB
	}
	return e.KeyA, e.FoundA
}

// Set records a key. It returns false and leaves the table untouched when
// the key was already found.
func (t *ResultTable) Set(s int, kt KeyType, k Key) bool {
	e := &t.sectors[s]
	if kt == KeyB {
		if e.FoundB {
			return false
		}
		e.KeyB, e.FoundB = k, true
		return true
	}
	if e.FoundA {
		return false
	}
	e.KeyA, e.FoundA = k, true
	return true
}

// Done reports whether both keys of sector s are known.
func (t *ResultTable) Done(s int) bool {
	return t.sectors[s].Done()
}

// FoundCount returns the number of known (sector, type) pairs.
func (t *ResultTable) FoundCount() int {
	n := 0
	for _, e := range t.sectors {
		if e.FoundA {
			n++
		}
		if e.FoundB {
			n++
		}
	}
	return n
}

// Complete reports whether every key of every sector is known.
func (t *ResultTable) Complete() bool {
	return t.FoundCount() == 2*len(t.sectors)
}

// Clone returns an independent copy.
func (t *ResultTable) Clone() *ResultTable {
	c := &ResultTable{sectors: make([]SectorKeys, len(t.sectors))}
	copy(c.sectors, t.sectors)
	return c
}
