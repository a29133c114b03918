// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/grpo/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Single returns the Runtime of a one-process run: collectives are no-ops.
func Single() Runtime { return single{} }

type single struct{}

func (single) Rank() int           { return 0 }
func (single) WorldSize() int      { return 1 }
func (single) LocalWorldSize() int { return 1 }
func (single) IsMainProcess() bool { return true }
func (single) Barrier() error      { return nil }

func (single) GatherObjects(local []any) ([]any, error) {
	return slices.Clone(local), nil
}

func (single) Broadcast(value any, fromRank int) (any, error) {
	if fromRank != 0 {
		return nil, errors.Errorf("broadcast from rank %d in a single process run", fromRank)
	}
	return value, nil
}

// ErrGroupAborted is returned by collectives of a LocalGroup after one of its ranks failed.
var ErrGroupAborted = errors.New("collective group aborted")

// group is the rendezvous shared by the ranks of a LocalGroup.
//
// Each collective is a round: every rank deposits its value, the last one to arrive publishes the
// values of all ranks and wakes up the others.
type group struct {
	size int

	mu      sync.Mutex
	cond    sync.Cond
	round   uint64
	op      string
	arrived int
	slots   []any
	result  []any
	err     error
}

// LocalGroup is a process group whose ranks are goroutines of the same program.
type LocalGroup struct {
	g     *group
	ranks []Runtime
}

// NewLocalGroup creates a group of worldSize ranks. Use Rank(i) to get the Runtime of each one, each one
// used by a different goroutine, or Run to start them.
func NewLocalGroup(worldSize int) *LocalGroup {
	if worldSize <= 0 {
		worldSize = 1
	}
	g := &group{size: worldSize, slots: make([]any, worldSize)}
	g.cond = sync.Cond{L: &g.mu}
	lg := &LocalGroup{g: g, ranks: make([]Runtime, worldSize)}
	for i := range worldSize {
		lg.ranks[i] = &localRank{g: g, rank: i}
	}
	return lg
}

// WorldSize of the group.
func (lg *LocalGroup) WorldSize() int { return lg.g.size }

// Rank returns the Runtime for the given rank.
func (lg *LocalGroup) Rank(rank int) Runtime { return lg.ranks[rank] }

// Abort fails all pending and future collectives with err. It unblocks ranks waiting on a rank that will never arrive.
func (lg *LocalGroup) Abort(err error) {
	g := lg.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err == nil {
		g.err = errors.Wrap(ErrGroupAborted, err.Error())
	}
	g.cond.Broadcast()
}

// Run executes fn once per rank, each in its own goroutine, and waits for all of them.
// If a rank fails, the group is aborted so the remaining ranks don't block forever.
// It returns the error of the lowest failing rank.
func (lg *LocalGroup) Run(fn func(rt Runtime) error) error {
	pool := workerspool.New().SetMaxParallelism(-1)
	return pool.RunAll(lg.g.size, func(rank int) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("rank %d panicked: %v", rank, r)
			}
			if err != nil {
				lg.Abort(err)
			}
		}()
		err = fn(lg.ranks[rank])
		if err != nil {
			err = errors.WithMessagef(err, "rank %d", rank)
		}
		return
	})
}

// exchange deposits value for rank and returns the values of all ranks, once all arrived.
func (g *group) exchange(rank int, op string, value any) ([]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	if g.arrived == 0 {
		g.op = op
	} else if g.op != op {
		g.err = errors.Errorf("collective mismatch: rank %d called %s while other ranks are in %s", rank, op, g.op)
		g.cond.Broadcast()
		return nil, g.err
	}
	g.slots[rank] = value
	g.arrived++
	myRound := g.round
	if g.arrived == g.size {
		g.result = slices.Clone(g.slots)
		clear(g.slots)
		g.arrived = 0
		g.round++
		g.cond.Broadcast()
		if klog.V(2).Enabled() {
			klog.Infof("collective %s round %d completed (%d ranks)", op, myRound, g.size)
		}
	} else {
		for g.round == myRound && g.err == nil {
			g.cond.Wait()
		}
		if g.round == myRound {
			return nil, g.err
		}
	}
	return g.result, nil
}

type localRank struct {
	g    *group
	rank int
}

func (r *localRank) Rank() int           { return r.rank }
func (r *localRank) WorldSize() int      { return r.g.size }
func (r *localRank) LocalWorldSize() int { return r.g.size }
func (r *localRank) IsMainProcess() bool { return r.rank == 0 }
func (r *localRank) String() string      { return fmt.Sprintf("rank %d/%d", r.rank, r.g.size) }

func (r *localRank) GatherObjects(local []any) ([]any, error) {
	all, err := r.g.exchange(r.rank, "gather", slices.Clone(local))
	if err != nil {
		return nil, err
	}
	var result []any
	for _, shard := range all {
		result = append(result, shard.([]any)...)
	}
	return result, nil
}

func (r *localRank) Broadcast(value any, fromRank int) (any, error) {
	if fromRank < 0 || fromRank >= r.g.size {
		return nil, errors.Errorf("broadcast from invalid rank %d (world size %d)", fromRank, r.g.size)
	}
	all, err := r.g.exchange(r.rank, fmt.Sprintf("broadcast(from=%d)", fromRank), value)
	if err != nil {
		return nil, err
	}
	return all[fromRank], nil
}

func (r *localRank) Barrier() error {
	_, err := r.g.exchange(r.rank, "barrier", nil)
	return err
}
