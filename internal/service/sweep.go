package service

import (
	"context"
	"time"

	"github.com/MimeLyc/flashcard-pipeline/internal/compute"
	"github.com/MimeLyc/flashcard-pipeline/internal/config"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
	"github.com/MimeLyc/flashcard-pipeline/pkg/icron"
	"github.com/MimeLyc/flashcard-pipeline/pkg/log"
)

// Schedule registers the resume sweep on the cron engine. It is a no-op when
// the sweep is disabled.
func (p *Pipeline) Schedule(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cfg.Sweep.Enabled {
		log.Info("Resume sweep disabled")
		return nil
	}
	p.scheduled = true
	p.sweepCtx = ctx
	return p.scheduleLocked(p.cfg.Sweep.CronExpr)
}

func (p *Pipeline) scheduleLocked(expr string) error {
	ctx := p.sweepCtx
	if p.cron == nil {
		return errs.New(errs.ErrConfig, "cron engine is not configured")
	}
	entry, err := p.cron.AddFunc(expr, func() {
		if _, err := p.Sweep(ctx); err != nil {
			log.Error("Resume sweep failed: %v", err)
		}
	})
	if err != nil {
		return errs.NewWithCause(errs.ErrConfig, "schedule resume sweep", err).WithContext("cron", expr)
	}
	if p.cronEntry != 0 {
		p.cron.Remove(p.cronEntry)
	}
	p.cronEntry = entry
	log.Info("Resume sweep scheduled: %s", expr)
	return nil
}

// Sweep queues a resume run for every batch that still has pending or
// in-progress items and returns how many runs were newly queued. Concurrent
// calls share one sweep.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	v, err, _ := p.sweepGroup.Do("sweep", func() (any, error) {
		batches, err := p.store.ListResumableBatches(ctx)
		if err != nil {
			return 0, err
		}
		queued := 0
		for _, batchID := range batches {
			_, created, err := p.Resume(ctx, batchID, SourceSweep)
			if err != nil {
				log.Error("Sweep: failed to queue batch %s: %v", batchID, err)
				continue
			}
			if created {
				queued++
			}
		}
		if len(batches) > 0 {
			log.Info("Sweep: %d resumable batches, %d runs queued", len(batches), queued)
		}
		return queued, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// SweepInfo describes the sweep schedule, or returns nil when it is disabled.
func (p *Pipeline) SweepInfo() (*icron.TriggerInfo, error) {
	cfg := p.config()
	if !cfg.Sweep.Enabled {
		return nil, nil
	}
	info, err := icron.GetTriggerInfo(cfg.Sweep.CronExpr, time.Now())
	if err != nil {
		return nil, errs.WrapError(err, errs.ErrConfig, "describe sweep schedule")
	}
	return info, nil
}

// ApplyRuntimeSettings swaps in a new model client, updates generation
// settings and reschedules the sweep. Runs already executing keep the
// provider they started with for calls in flight.
func (p *Pipeline) ApplyRuntimeSettings(settings config.RuntimeSettings) error {
	if err := settings.Validate(); err != nil {
		return errs.WrapError(err, errs.ErrValidation, "invalid runtime settings")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cfg
	next.ApplyRuntimeSettings(settings)

	var provider *compute.LLMProvider
	if !p.fixedProvider {
		var err error
		if provider, err = p.newLLMProvider(next); err != nil {
			return err
		}
	}
	if p.scheduled && next.Sweep.CronExpr != p.cfg.Sweep.CronExpr {
		if err := p.scheduleLocked(next.Sweep.CronExpr); err != nil {
			return err
		}
	}
	if provider != nil {
		p.provider.Swap(provider)
	}
	p.cfg = next
	log.Info("Runtime settings applied: model=%s sweep=%s language=%s",
		next.LLM.Model, next.Sweep.CronExpr, next.Generation.ExplanationLanguage)
	return nil
}
