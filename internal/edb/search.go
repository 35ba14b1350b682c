package edb

import (
	"context"
	"encoding/binary"
	"log"
	"runtime"
	"sync"

	"github.com/dreamware/sophosgo/internal/crypto"
	"github.com/dreamware/sophosgo/internal/wire"
)

// Strategy thresholds on add_count (spec.md §4.6). Tuning knobs only:
// every strategy must produce the same result multiset for the same
// request.
const (
	lightParallelThreshold = 2
	stagedPipelineThreshold = 40

	// pipelineBufferSize bounds the derive->access and access->deliver
	// channels in the staged pipeline, giving bulk searches the same
	// backpressure the bulk-update path gets from its worker pool.
	pipelineBufferSize = 256
)

// Search walks a keyword's token chain and delivers one SearchReply per
// EDB hit, choosing a walk strategy from req.AddCount. deliver is
// always invoked serially, even when the underlying walk is parallel,
// so callers (e.g. a wire.ReplyStream) never need their own locking.
func (e *EDB) Search(ctx context.Context, tdp *crypto.TDP, req wire.SearchRequest, deliver func(wire.SearchReply) error) error {
	switch {
	case req.AddCount == 0:
		return nil
	case req.AddCount < lightParallelThreshold:
		return e.SearchSequential(ctx, tdp, req, deliver)
	case req.AddCount < stagedPipelineThreshold:
		return e.SearchLightParallel(ctx, tdp, req, deliver)
	default:
		return e.SearchStagedPipeline(ctx, tdp, req, deliver)
	}
}

func lookupAndUnmask(e *EDB, K, st []byte) (wire.SearchReply, bool) {
	ut := crypto.PRFAppendTag(K, st, crypto.UpdateTokenTag, crypto.UpdateTokenSize)
	masked, ok := e.Get(ut)
	if !ok {
		return wire.SearchReply{}, false
	}
	maskBytes := crypto.PRFAppendTag(K, st, crypto.IndexMaskTag, crypto.IndexMaskSize)
	mask := binary.BigEndian.Uint64(maskBytes)
	return wire.SearchReply{Result: masked ^ mask}, true
}

// walkWorkers picks a worker count for a chain of length c: bounded by
// both c itself (no point starting more workers than steps) and the
// host's available concurrency.
func walkWorkers(c uint32) int {
	n := runtime.NumCPU()
	if uint32(n) > c {
		n = int(c)
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SearchSequential walks the chain ST_{c-1}, ST_{c-2}, ..., ST_0 one
// step at a time on the calling goroutine — the baseline strategy, used
// directly for add_count < 2 and exported so tests can compare its
// output against the parallel strategies for the same request.
func (e *EDB) SearchSequential(ctx context.Context, tdp *crypto.TDP, req wire.SearchRequest, deliver func(wire.SearchReply) error) error {
	st := append([]byte(nil), req.Token...)
	for i := uint32(0); i < req.AddCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if reply, ok := lookupAndUnmask(e, req.DerivationKey, st); ok {
			if err := deliver(reply); err != nil {
				return err
			}
		} else {
			log.Printf("edb: integrity anomaly: EDB miss during sequential search walk at step %d", i)
		}
		if i+1 < req.AddCount {
			st = tdp.Eval(st)
		}
	}
	return nil
}

type stepResult struct {
	reply wire.SearchReply
	ok    bool
}

// SearchLightParallel parallelizes the walk by residue class: worker t
// starts at ST_{c-1-t} = TDP.EvalK(token, t) and steps by N (the worker
// count) using TDP.EvalK(_, N), performing the PRF+EDB+unmask work
// inline ("light" mode, spec.md §4.6). Every worker's results funnel
// through one channel so deliver is still called serially.
func (e *EDB) SearchLightParallel(ctx context.Context, tdp *crypto.TDP, req wire.SearchRequest, deliver func(wire.SearchReply) error) error {
	c := req.AddCount
	workers := walkWorkers(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan stepResult, workers*2)
	var wg sync.WaitGroup
	for t := 0; t < workers; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			st := tdp.EvalK(req.Token, uint64(t))
			i := uint32(t)
			for i < c {
				if ctx.Err() != nil {
					return
				}
				reply, ok := lookupAndUnmask(e, req.DerivationKey, st)
				select {
				case results <- stepResult{reply, ok}:
				case <-ctx.Done():
					return
				}
				i += uint32(workers)
				if i < c {
					st = tdp.EvalK(st, uint64(workers))
				}
			}
		}(t)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var deliverErr error
	for res := range results {
		if !res.ok {
			log.Printf("edb: integrity anomaly: EDB miss during light-parallel search walk")
			continue
		}
		if deliverErr != nil {
			continue
		}
		if err := deliver(res.reply); err != nil {
			deliverErr = err
			cancel()
		}
	}
	return deliverErr
}

type deriveItem struct {
	st []byte
}

type accessItem struct {
	st     []byte
	masked uint64
}

// SearchStagedPipeline implements spec.md §9's "explicit staged
// pipelines with typed work items" for large chains: a derive pool
// computes ST values by residue class and feeds a bounded channel; an
// access pool looks each one up in the EDB and feeds a second bounded
// channel; a single consumer goroutine unmasks and delivers results
// serially. Channel capacity bounds memory use the way the bulk-insert
// worker pool bounds it on the update path.
func (e *EDB) SearchStagedPipeline(ctx context.Context, tdp *crypto.TDP, req wire.SearchRequest, deliver func(wire.SearchReply) error) error {
	c := req.AddCount
	workers := walkWorkers(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deriveCh := make(chan deriveItem, pipelineBufferSize)
	var deriveWG sync.WaitGroup
	for t := 0; t < workers; t++ {
		deriveWG.Add(1)
		go func(t int) {
			defer deriveWG.Done()
			st := tdp.EvalK(req.Token, uint64(t))
			i := uint32(t)
			for i < c {
				if ctx.Err() != nil {
					return
				}
				select {
				case deriveCh <- deriveItem{st: append([]byte(nil), st...)}:
				case <-ctx.Done():
					return
				}
				i += uint32(workers)
				if i < c {
					st = tdp.EvalK(st, uint64(workers))
				}
			}
		}(t)
	}
	go func() {
		deriveWG.Wait()
		close(deriveCh)
	}()

	accessCh := make(chan accessItem, pipelineBufferSize)
	var accessWG sync.WaitGroup
	for w := 0; w < workers; w++ {
		accessWG.Add(1)
		go func() {
			defer accessWG.Done()
			for item := range deriveCh {
				ut := crypto.PRFAppendTag(req.DerivationKey, item.st, crypto.UpdateTokenTag, crypto.UpdateTokenSize)
				masked, ok := e.Get(ut)
				if !ok {
					log.Printf("edb: integrity anomaly: EDB miss during staged search walk")
					continue
				}
				select {
				case accessCh <- accessItem{st: item.st, masked: masked}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		accessWG.Wait()
		close(accessCh)
	}()

	var deliverErr error
	for item := range accessCh {
		if deliverErr != nil {
			continue
		}
		maskBytes := crypto.PRFAppendTag(req.DerivationKey, item.st, crypto.IndexMaskTag, crypto.IndexMaskSize)
		mask := binary.BigEndian.Uint64(maskBytes)
		reply := wire.SearchReply{Result: item.masked ^ mask}
		if err := deliver(reply); err != nil {
			deliverErr = err
			cancel()
		}
	}
	return deliverErr
}
