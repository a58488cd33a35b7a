// Package driver implements the FSM driver: the single consumer that reads
// committed-index notifications off a bounded queue, collapses bursts of
// consecutive commits into one batch, and walks the resulting log entries
// through the state machine's OnApply. It is the only goroutine that ever
// calls into the state machine, so OnApply, OnSnapshotSave/Load,
// OnLeaderStart/Stop and OnShutdown are never invoked concurrently with one
// another.
package driver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"kvraft/pkg/consensus"
	"kvraft/pkg/replication"
	"kvraft/pkg/types"
)

// EventKind tags the variants accepted on the driver's event queue.
type EventKind uint8

const (
	EventCommitted EventKind = iota
	EventSnapshotSave
	EventSnapshotLoad
	EventLeaderStart
	EventLeaderStop
	EventConfigurationCommitted
	EventShutdown
)

// Event is the tagged union the driver's single consumer loop dispatches
// on. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// EventCommitted
	CommittedIndex types.LogIndex

	// EventSnapshotSave. SnapshotIndex/SnapshotTerm default to the driver's
	// own last-applied state when left zero; callers that want to save at
	// a point behind the driver's current head (rare) can set them
	// explicitly.
	SnapshotWriter consensus.SnapshotWriter
	SnapshotDone   replication.Closure
	SnapshotIndex  types.LogIndex
	SnapshotTerm   types.Term

	// EventSnapshotLoad
	SnapshotReader consensus.SnapshotReader
	LoadResult     chan<- bool

	// EventLeaderStart
	Term types.Term

	// EventLeaderStop
	Status replication.Status

	// EventConfigurationCommitted
	Peers []types.NodeID

	// EventShutdown
	Done chan<- struct{}
}

// Driver owns the apply pipeline: a bounded event queue, the committed
// log it reads entries back from, and the state machine it drives.
type Driver struct {
	fsm consensus.FSM
	log replication.Log
	log_ *slog.Logger

	events chan Event

	lastAppliedIndex atomic.Uint64
	lastAppliedTerm  atomic.Uint64

	errLatched atomic.Bool
	latchErr   atomic.Pointer[error]

	onApplied func(types.LogIndex)

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Options configures a Driver. QueueCapacity bounds the event channel;
// OnApplied, if set, is invoked once per apply pass with the highest index
// that pass applied, letting callers wake up index-waiters without polling.
type Options struct {
	QueueCapacity int
	Logger        *slog.Logger
	OnApplied     func(types.LogIndex)
}

// New builds a Driver bound to fsm and log. Call Run in its own goroutine
// to start the single consumer loop.
func New(fsm consensus.FSM, log replication.Log, opts Options) *Driver {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 4096
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OnApplied == nil {
		opts.OnApplied = func(types.LogIndex) {}
	}
	return &Driver{
		fsm:       fsm,
		log:       log,
		log_:      opts.Logger,
		events:    make(chan Event, opts.QueueCapacity),
		onApplied: opts.OnApplied,
	}
}

// Submit enqueues an event for the consumer loop. It blocks if the queue is
// full, applying backpressure to the replication layer rather than
// unbounded memory growth.
func (d *Driver) Submit(ctx context.Context, ev Event) error {
	select {
	case d.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastApplied returns the highest index and term this driver has applied.
func (d *Driver) LastApplied() (types.LogIndex, types.Term) {
	return types.LogIndex(d.lastAppliedIndex.Load()), types.Term(d.lastAppliedTerm.Load())
}

// Run is the driver's single consumer loop. It exits when it receives an
// EventShutdown event or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()

	for {
		select {
		case ev := <-d.events:
			if !d.dispatch(ctx, ev) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch handles one event, collapsing any immediately-queued additional
// EventCommitted events into the same batch the way a burst of AppendEntries
// acks collapses into a single doCommitted call. A non-committed event met
// while draining first applies the collapsed batch and is then handled
// itself. Returns false to stop the loop.
func (d *Driver) dispatch(ctx context.Context, ev Event) bool {
	switch ev.Kind {
	case EventCommitted:
		target := ev.CommittedIndex
	drain:
		for {
			select {
			case next := <-d.events:
				if next.Kind != EventCommitted {
					d.doCommitted(ctx, target)
					return d.handleOther(ctx, next)
				}
				if next.CommittedIndex > target {
					target = next.CommittedIndex
				}
			default:
				break drain
			}
		}
		d.doCommitted(ctx, target)

	default:
		return d.handleOther(ctx, ev)
	}
	return true
}

func (d *Driver) handleOther(ctx context.Context, ev Event) bool {
	switch ev.Kind {
	case EventSnapshotSave:
		index, term := ev.SnapshotIndex, ev.SnapshotTerm
		if index == 0 {
			index, term = d.LastApplied()
		}
		d.fsm.OnSnapshotSave(ctx, index, term, ev.SnapshotWriter, ev.SnapshotDone)
	case EventSnapshotLoad:
		ok := d.fsm.OnSnapshotLoad(ctx, ev.SnapshotReader)
		if ev.LoadResult != nil {
			ev.LoadResult <- ok
		}
	case EventLeaderStart:
		d.fsm.OnLeaderStart(ev.Term)
	case EventLeaderStop:
		d.fsm.OnLeaderStop(ev.Status)
	case EventConfigurationCommitted:
		d.fsm.OnConfigurationCommitted(ev.Peers)
	case EventShutdown:
		d.fsm.OnShutdown()
		if ev.Done != nil {
			close(ev.Done)
		}
		return false
	}
	return true
}

// doCommitted applies every entry between the last applied index and
// committedIndex, inclusive. A batch that errors mid-way latches the
// driver into a permanent failure state: every closure from the failing
// entry onward is failed, lastApplied only advances to the entry
// immediately before the failure, and all future doCommitted calls fail
// fast without touching the state machine again.
func (d *Driver) doCommitted(ctx context.Context, committedIndex types.LogIndex) {
	lastApplied := types.LogIndex(d.lastAppliedIndex.Load())
	if committedIndex <= lastApplied {
		return
	}

	if d.errLatched.Load() {
		d.failRange(lastApplied+1, committedIndex, "state machine is in a latched error state")
		return
	}

	entries, err := d.log.Entries(ctx, lastApplied+1, committedIndex)
	if err != nil {
		d.log_.Error("driver: failed to read committed entries", "from", lastApplied+1, "to", committedIndex, "err", err)
		d.failRange(lastApplied+1, committedIndex, "failed to read committed entries: "+err.Error())
		return
	}

	for _, e := range entries {
		if e.Closure != nil {
			e.Closure.OnCommitted()
		}
	}

	it := replication.NewSliceIterator(entries)
	if applyErr := d.fsm.OnApply(ctx, it); applyErr != nil {
		d.log_.Error("driver: OnApply failed, latching error state", "err", applyErr)
		d.latchError(applyErr)
	}

	applied := lastApplied
	if it.Valid() {
		applied = it.Entry().Index - 1
	} else if len(entries) > 0 {
		applied = entries[len(entries)-1].Index
	}
	if applied > lastApplied {
		d.advanceApplied(applied, entries)
	}

	if it.Valid() || it.HasError() {
		failFrom := applied + 1
		msg := "state machine stopped applying before the end of the batch"
		if it.HasError() {
			msg = it.Error().Error()
		}
		d.failRange(failFrom, committedIndex, msg)
		d.latchError(it.Error())
	}
}

func (d *Driver) advanceApplied(applied types.LogIndex, entries []replication.LogEntry) {
	var term types.Term
	for _, e := range entries {
		if e.Index == applied {
			term = e.Term
			break
		}
	}
	d.lastAppliedIndex.Store(uint64(applied))
	if term != 0 {
		d.lastAppliedTerm.Store(uint64(term))
	}
	d.onApplied(applied)
}

func (d *Driver) latchError(err error) {
	if err == nil {
		return
	}
	d.errLatched.Store(true)
	d.latchErr.Store(&err)
}

// failRange invokes Done(Fail(...)) on every closure between from and to,
// inclusive, without touching the state machine. Used both for entries the
// driver could not read and for entries stranded after a latched error.
func (d *Driver) failRange(from, to types.LogIndex, msg string) {
	if from > to {
		return
	}
	entries, err := d.log.Entries(context.Background(), from, to)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Closure != nil {
			e.Closure.Done(replication.Fail(1, msg))
		}
	}
}

// Shutdown enqueues a shutdown event and blocks until the consumer loop has
// drained it, guaranteeing OnShutdown has returned before Shutdown does.
func (d *Driver) Shutdown(ctx context.Context) {
	d.stopOnce.Do(func() {
		done := make(chan struct{})
		_ = d.Submit(ctx, Event{Kind: EventShutdown, Done: done})
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
	d.wg.Wait()
}
