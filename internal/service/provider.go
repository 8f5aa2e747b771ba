package service

import (
	"context"
	"sync/atomic"

	"github.com/MimeLyc/flashcard-pipeline/internal/compute"
	"github.com/MimeLyc/flashcard-pipeline/internal/vocab"
)

// swappableProvider lets runtime settings replace the model client without
// rebuilding the processor. Calls already in flight finish on the old one.
type swappableProvider struct {
	current atomic.Pointer[providerHolder]
}

type providerHolder struct {
	compute.Provider
}

func newSwappableProvider(p compute.Provider) *swappableProvider {
	s := &swappableProvider{}
	s.Swap(p)
	return s
}

func (s *swappableProvider) Swap(p compute.Provider) {
	s.current.Store(&providerHolder{Provider: p})
}

func (s *swappableProvider) load() compute.Provider {
	return s.current.Load().Provider
}

func (s *swappableProvider) Stage1(ctx context.Context, item *vocab.Item) (*compute.Output[vocab.SemanticAnalysis], error) {
	return s.load().Stage1(ctx, item)
}

func (s *swappableProvider) Stage2(ctx context.Context, item *vocab.Item, stage1 *vocab.Stage1Result) (*compute.Output[vocab.Flashcard], error) {
	return s.load().Stage2(ctx, item, stage1)
}
