package formula

// StringTable interns the text stored in worksheet chunks: string cell
// values, error messages and formula text. each entry is reference counted
// so overwriting a cell releases its old text.
type StringTable struct {
	ids       map[string]uint32
	values    map[uint32]string
	refCounts map[uint32]int
	nextID    uint32
}

// NewStringTable creates a new string table
func NewStringTable() *StringTable {
	return &StringTable{
		ids:       make(map[string]uint32),
		values:    make(map[uint32]string),
		refCounts: make(map[uint32]int),
		nextID:    1, // start at 1, reserve 0 for no string
	}
}

// Intern adds a reference to s and returns its ID
func (st *StringTable) Intern(s string) uint32 {
	if id, exists := st.ids[s]; exists {
		st.refCounts[id]++
		return id
	}

	id := st.nextID
	st.ids[s] = id
	st.values[id] = s
	st.refCounts[id] = 1
	st.nextID++
	return id
}

// Get retrieves a string by its ID. ID 0 is the empty string.
func (st *StringTable) Get(id uint32) (string, bool) {
	if id == 0 {
		return "", false
	}
	s, exists := st.values[id]
	return s, exists
}

// Release drops one reference. the string is removed when none remain.
// returns true if it was removed.
func (st *StringTable) Release(id uint32) bool {
	s, exists := st.values[id]
	if !exists {
		return false
	}

	st.refCounts[id]--
	if st.refCounts[id] > 0 {
		return false
	}
	delete(st.ids, s)
	delete(st.values, id)
	delete(st.refCounts, id)
	return true
}

// References returns the reference count of a string ID
func (st *StringTable) References(id uint32) int {
	return st.refCounts[id]
}

// Count returns the number of unique strings in the table
func (st *StringTable) Count() int {
	return len(st.ids)
}
