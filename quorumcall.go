package qjournal

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// QuorumCall fans a call out to every peer via an errgroup and reports
// success once a majority have answered without error, without waiting
// for the stragglers.
//
// call(peer) must be safe to run concurrently for every peer; its
// result is recorded under peer.ID. If a majority never responds
// successfully, the aggregate QuorumException names every peer that
// did fail (scenario f). timeout bounds the entire call — awaitQuorum's
// own deadline, distinct from and typically larger than any single
// peer's RPC-level timeout, since a majority can still be provably
// impossible before every straggler's retries have run out. timeout<=0
// disables the deadline and waits for majority-or-all-responded only.
func QuorumCall[T any](operation string, peers []JournalNodeInfo, timeout time.Duration, call func(peer JournalNodeInfo) (T, error)) (map[JournalNodeID]T, error) {
	majority := len(peers)/2 + 1

	var (
		mu        sync.Mutex
		successes = make(map[JournalNodeID]T, len(peers))
		failures  = make(map[JournalNodeID]error, len(peers))
		responded int
		done      = make(chan struct{})
		closeOnce sync.Once
	)

	var eg errgroup.Group
	for _, p := range peers {
		p := p
		eg.Go(func() error {
			resp, err := call(p)
			mu.Lock()
			responded++
			if err != nil {
				failures[p.ID] = err
			} else {
				successes[p.ID] = resp
			}
			reachedMajority := len(successes) >= majority
			allResponded := responded == len(peers)
			mu.Unlock()
			if reachedMajority || allResponded {
				closeOnce.Do(func() { close(done) })
			}
			return nil
		})
	}

	if timeout > 0 {
		select {
		case <-done:
		case <-time.After(timeout):
		}
	} else {
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	if len(successes) >= majority {
		return copyMap(successes), nil
	}
	for _, p := range peers {
		if _, ok := successes[p.ID]; ok {
			continue
		}
		if _, ok := failures[p.ID]; ok {
			continue
		}
		failures[p.ID] = ErrTimeout
	}
	return nil, &QuorumException{
		Operation: operation,
		Failures:  copyErrMap(failures),
		Successes: toAnyMap(successes),
	}
}

func copyMap[T any](m map[JournalNodeID]T) map[JournalNodeID]T {
	out := make(map[JournalNodeID]T, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyErrMap(m map[JournalNodeID]error) map[JournalNodeID]error {
	out := make(map[JournalNodeID]error, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toAnyMap[T any](m map[JournalNodeID]T) map[JournalNodeID]interface{} {
	out := make(map[JournalNodeID]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
