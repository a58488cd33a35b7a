// Package fsm implements the state machine facade: the consensus.FSM the
// driver drives. It groups consecutive same-kind committed entries into
// batches, decodes their payloads, routes each batch to the matching
// engine call, and records per-kind apply metrics.
package fsm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kvraft/pkg/consensus"
	"kvraft/pkg/engine"
	"kvraft/pkg/kvop"
	"kvraft/pkg/kvop/codec"
	"kvraft/pkg/leadernotify"
	"kvraft/pkg/metrics"
	"kvraft/pkg/replication"
	"kvraft/pkg/snapshot"
	"kvraft/pkg/types"
)

// RegionRouter delegates a RANGE_SPLIT operation to whichever node
// currently owns the target region, since a split is a cross-region
// handoff the local engine cannot complete by itself.
type RegionRouter interface {
	RouteSplit(ctx context.Context, from, to types.RegionID, splitKey []byte) error
}

// StateMachine is the consensus.FSM implementation wired to a concrete
// engine. It never runs more than one OnApply/OnSnapshotSave/OnSnapshotLoad
// call at a time because the driver that owns it is single-threaded.
type StateMachine struct {
	eng        *engine.Engine
	serde      codec.Serializer
	metrics    metrics.Collector
	notifier   *leadernotify.Notifier
	router     RegionRouter
	archiver   *snapshot.Archiver
	log        *slog.Logger
	leaderTerm types.Term
	isLeader   bool
}

// Options configures a StateMachine.
type Options struct {
	Serializer codec.Serializer
	Metrics    metrics.Collector
	Notifier   *leadernotify.Notifier
	Router     RegionRouter
	Archiver   *snapshot.Archiver
	Logger     *slog.Logger
}

// New builds a StateMachine over eng.
func New(eng *engine.Engine, opts Options) *StateMachine {
	if opts.Serializer == nil {
		opts.Serializer = codec.TLVSerializer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &StateMachine{
		eng:      eng,
		serde:    opts.Serializer,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		router:   opts.Router,
		archiver: opts.Archiver,
		log:      opts.Logger,
	}
}

var _ consensus.FSM = (*StateMachine)(nil)

// OnApply walks the committed entries, grouping consecutive entries with
// the same discriminator into one batch before dispatching to the
// matching engine call. It always advances the iterator exactly once per
// consumed entry.
func (s *StateMachine) OnApply(ctx context.Context, it replication.Iterator) error {
	for it.Valid() {
		first := it.Entry()

		if first.Type != replication.EntryData {
			s.finishNonData(first)
			it.Next()
			continue
		}

		kind, op, decodeErr := s.decode(first)
		batch := []replication.LogEntry{first}
		ops := []kvop.Operation{op}
		decodeErrs := []error{decodeErr}
		it.Next()

		for it.Valid() {
			next := it.Entry()
			if next.Type != replication.EntryData {
				break
			}
			nextKind, nextOp, nextErr := s.decode(next)
			if nextErr == nil && nextKind != kind {
				break
			}
			if nextErr != nil && decodeErr == nil {
				// A decode failure ends a batch of successfully decoded
				// entries: its kind is unknown, so it cannot be grouped
				// with what came before.
				break
			}
			batch = append(batch, next)
			ops = append(ops, nextOp)
			decodeErrs = append(decodeErrs, nextErr)
			it.Next()
		}

		s.dispatchBatch(ctx, kind, batch, ops, decodeErrs)
	}
	return nil
}

func (s *StateMachine) finishNonData(e replication.LogEntry) {
	s.eng.RecordApplied(e.Index, e.Term)
	if e.Closure != nil {
		e.Closure.Done(replication.OK(nil))
	}
}

func (s *StateMachine) decode(e replication.LogEntry) (kvop.Kind, kvop.Operation, error) {
	if decoded, ok := e.Payload.Decoded.(kvop.Operation); ok {
		return decoded.Kind, decoded, nil
	}
	op, err := s.serde.Decode(e.Payload.Raw)
	if err != nil {
		return 0, kvop.Operation{}, err
	}
	return op.Kind, op, nil
}

// dispatchBatch invokes the engine call matching kind once per entry in
// the batch, recording one observation per operation and delivering each
// entry's closure its own terminal status.
func (s *StateMachine) dispatchBatch(ctx context.Context, kind kvop.Kind, batch []replication.LogEntry, ops []kvop.Operation, decodeErrs []error) {
	for i, e := range batch {
		start := time.Now()

		var status replication.Status
		if decodeErrs[i] != nil {
			status = replication.Fail(1, engine.ErrDecode.Error()+": "+decodeErrs[i].Error())
		} else if !kvop.IsValid(kind) {
			status = replication.Fail(2, engine.ErrIllegalOperation.Error())
		} else {
			status = s.apply(ctx, ops[i])
		}

		s.observe(kind, time.Since(start), status.IsOK())
		s.eng.RecordApplied(e.Index, e.Term)

		if e.Closure != nil {
			e.Closure.Done(status)
		}
	}
}

func (s *StateMachine) apply(ctx context.Context, op kvop.Operation) replication.Status {
	switch op.Kind {
	case kvop.Put, kvop.PutIfAbsent, kvop.PutList, kvop.Delete, kvop.DeleteRange,
		kvop.Get, kvop.MultiGet, kvop.Scan, kvop.GetAndPut, kvop.Merge:
		res, err := s.eng.Apply(op)
		if err != nil {
			return replication.Fail(3, err.Error())
		}
		return replication.OK(res)

	case kvop.NodeExecute:
		return s.batchNodeExecute(op)

	case kvop.GetSequence:
		start, end, err := s.eng.GetSequence(op)
		if err != nil {
			return replication.Fail(3, err.Error())
		}
		return replication.OK(engine.Result{Value: sequenceRangePayload(start, end)})

	case kvop.ResetSequence:
		if err := s.eng.ResetSequence(op); err != nil {
			return replication.Fail(3, err.Error())
		}
		return replication.OK(nil)

	case kvop.KeyLock:
		token, err := s.eng.TryLock(op)
		if err != nil {
			return replication.Fail(statusCodeForLockErr(err), err.Error())
		}
		return replication.OK(token)

	case kvop.KeyLockRelease:
		if err := s.eng.Release(op); err != nil {
			return replication.Fail(statusCodeForLockErr(err), err.Error())
		}
		return replication.OK(nil)

	case kvop.RangeSplit:
		if s.router == nil {
			return replication.Fail(4, "no region router configured")
		}
		if err := s.router.RouteSplit(ctx, op.FromRegion, op.ToRegion, op.SplitKey); err != nil {
			return replication.Fail(4, err.Error())
		}
		return replication.OK(nil)

	default:
		return replication.Fail(2, engine.ErrIllegalOperation.Error())
	}
}

// batchNodeExecute runs administrative NODE_EXECUTE payloads only on the
// node that currently believes it leads, since the payload's result (e.g. a
// shard key count) is meant to answer "what does the cluster's data look
// like right now", a question only the leader's view can answer
// authoritatively mid-election.
func (s *StateMachine) batchNodeExecute(op kvop.Operation) replication.Status {
	if !s.isLeader {
		return replication.Fail(8, "node execute requires leadership")
	}
	res, err := s.eng.Apply(op)
	if err != nil {
		return replication.Fail(3, err.Error())
	}
	return replication.OK(res)
}

func statusCodeForLockErr(err error) int {
	switch {
	case errors.As(err, new(*engine.LockHeldError)):
		return 5
	case errors.Is(err, engine.ErrKeepLeaseFail):
		return 6
	case errors.As(err, new(*engine.NotOwnerError)):
		return 7
	default:
		return 3
	}
}

func sequenceRangePayload(start, end uint64) []byte {
	out := make([]byte, 16)
	putUint64(out[0:8], start)
	putUint64(out[8:16], end)
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (s *StateMachine) observe(kind kvop.Kind, d time.Duration, ok bool) {
	if s.metrics == nil {
		return
	}
	labels := map[string]string{"op": kind.String()}
	s.metrics.IncCounter("fsm_apply_total", labels, 1)
	if !ok {
		s.metrics.IncCounter("fsm_apply_failed_total", labels, 1)
	}
	s.metrics.ObserveHistogram("fsm_apply_duration_seconds", labels, d.Seconds())
}

// OnSnapshotSave delegates to the configured archiver, completing done once
// the save finishes.
func (s *StateMachine) OnSnapshotSave(ctx context.Context, index types.LogIndex, term types.Term, w consensus.SnapshotWriter, done replication.Closure) {
	err := s.archiver.Save(ctx, s.eng, index, term, w)
	if err != nil {
		s.log.Error("fsm: snapshot save failed", "err", err)
		if done != nil {
			done.Done(replication.Fail(1, err.Error()))
		}
		return
	}
	if done != nil {
		done.Done(replication.OK(nil))
	}
}

// OnSnapshotLoad delegates to the configured archiver. Returning false
// tells the driver the load was rejected (e.g. a stale snapshot) and the
// state machine's existing state was left untouched.
func (s *StateMachine) OnSnapshotLoad(ctx context.Context, r consensus.SnapshotReader) bool {
	if err := s.archiver.Load(ctx, s.eng, r); err != nil {
		if errors.Is(err, engine.ErrStaleSnapshot) {
			s.log.Warn("fsm: rejected stale snapshot", "err", err)
		} else {
			s.log.Error("fsm: snapshot load failed", "err", err)
		}
		return false
	}
	return true
}

// OnConfigurationCommitted is a no-op hook point; membership changes are
// observed, not acted on, by the state machine itself.
func (s *StateMachine) OnConfigurationCommitted(peers []types.NodeID) {}

// OnLeaderStart updates leaderTerm synchronously (so IsLeader() queries on
// the apply thread are always accurate) before fanning the notification
// out asynchronously through the bounded notifier.
func (s *StateMachine) OnLeaderStart(term types.Term) {
	s.leaderTerm = term
	s.isLeader = true
	if s.notifier != nil {
		s.notifier.NotifyStart(term)
	}
}

// OnLeaderStop clears leadership synchronously before fanning out.
func (s *StateMachine) OnLeaderStop(status replication.Status) {
	s.isLeader = false
	if s.notifier != nil {
		s.notifier.NotifyStop(status)
	}
}

// OnShutdown releases the underlying engine's resources.
func (s *StateMachine) OnShutdown() {
	s.eng.Close()
}

// IsLeader reports the synchronously-updated leadership flag.
func (s *StateMachine) IsLeader() bool { return s.isLeader }

// LeaderTerm returns the term this node believes it leads, meaningful only
// while IsLeader() is true.
func (s *StateMachine) LeaderTerm() types.Term { return s.leaderTerm }
