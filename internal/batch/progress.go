package batch

import (
	"sort"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

func (p *Processor) track(batchID string, total int, start time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, prog := range p.live {
		if p.expired(prog, start) {
			delete(p.live, id)
		}
	}
	p.live[batchID] = &Progress{
		BatchID:   batchID,
		Total:     total,
		StartedAt: start,
		UpdatedAt: start,
	}
}

// record folds one finished item into the live aggregate and returns the
// completed count after the update.
func (p *Processor) record(batchID string, out outcome) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	prog, ok := p.live[batchID]
	if !ok {
		return 0
	}
	if out.err != nil {
		prog.Failed++
	} else {
		prog.Completed++
		if out.cacheHit {
			prog.Cached++
		}
	}
	prog.UpdatedAt = p.now()
	return prog.Completed
}

func (p *Processor) finish(batchID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prog, ok := p.live[batchID]; ok {
		prog.Done = true
		prog.UpdatedAt = p.now()
	}
}

// expired reports whether a finished run has outlived the retention window.
// Expired entries are dropped when the next run starts.
func (p *Processor) expired(prog *Progress, now time.Time) bool {
	return prog.Done && now.Sub(prog.UpdatedAt) > p.progressRetention
}

// Snapshot returns a copy of the live progress for batchID.
func (p *Processor) Snapshot(batchID string) (Progress, bool) {
	now := p.now()
	p.mu.RLock()
	defer p.mu.RUnlock()
	prog, ok := p.live[batchID]
	if !ok || p.expired(prog, now) {
		return Progress{}, false
	}
	return *prog, true
}

// Snapshots returns every running or recently finished run, oldest first.
func (p *Processor) Snapshots() []Progress {
	now := p.now()
	p.mu.RLock()
	ret := make([]Progress, 0, len(p.live))
	for _, prog := range p.live {
		if !p.expired(prog, now) {
			ret = append(ret, *prog)
		}
	}
	p.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].StartedAt.Before(ret[j].StartedAt)
	})
	return ret
}

// startReporter logs the batch's progress on every tick until the returned
// stop function is called.
func (p *Processor) startReporter(batchID string) func() {
	if p.reportInterval <= 0 {
		return func() {}
	}
	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				snap, ok := p.Snapshot(batchID)
				if !ok {
					continue
				}
				log.Info("Batch %s: %d/%d processed, %d cached, %d failed",
					batchID, snap.Processed(), snap.Total, snap.Cached, snap.Failed)
			}
		}
	}()
	return func() {
		close(stopCh)
		<-done
	}
}
