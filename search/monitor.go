package search

import (
	"github.com/poiesic/mailkb/core"
)

// Monitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type Monitor interface {
	Start(query string)
	AfterVectorQuery(hits []*core.ScoredChunk)
	AfterHydration(messages []*core.Message)
	VerbatimHit(hit *core.ScoredChunk)
	Finish(results []*Result)
}

// noopMonitor is a no-op implementation of Monitor
type noopMonitor struct{}

var _ Monitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                         {}
func (n *noopMonitor) AfterVectorQuery(_ []*core.ScoredChunk) {}
func (n *noopMonitor) AfterHydration(_ []*core.Message)       {}
func (n *noopMonitor) VerbatimHit(_ *core.ScoredChunk)        {}
func (n *noopMonitor) Finish(_ []*Result)                     {}
