package replication

// SliceIterator is a simple Iterator over an in-memory slice of entries,
// used by the driver (entries come back from Log.Entries already
// materialized) and by tests.
type SliceIterator struct {
	entries []LogEntry
	pos     int
	err     error
}

// NewSliceIterator builds an Iterator over entries, already sorted by
// strictly increasing index.
func NewSliceIterator(entries []LogEntry) *SliceIterator {
	return &SliceIterator{entries: entries}
}

func (it *SliceIterator) Valid() bool {
	return it.err == nil && it.pos < len(it.entries)
}

func (it *SliceIterator) Entry() LogEntry {
	return it.entries[it.pos]
}

func (it *SliceIterator) Next() {
	it.pos++
}

func (it *SliceIterator) HasError() bool {
	return it.err != nil
}

func (it *SliceIterator) Error() error {
	return it.err
}

// SetError latches a terminal error, making Valid() false from then on.
func (it *SliceIterator) SetError(err error) {
	it.err = err
}
