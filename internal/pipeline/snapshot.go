package pipeline

import (
	"fmt"
	"sync/atomic"

	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/fraud"
)

// Snapshot is an immutable view of the loaded pipeline definitions and the
// compiled fraud matcher. Evaluations in flight keep the snapshot they
// started with; reload builds a new one and swaps the pointer.
type Snapshot struct {
	Version   string
	Matcher   *fraud.Matcher
	pipelines map[string]*domain.PipelineDefinition
}

// NewSnapshot validates every definition and indexes them by name.
func NewSnapshot(version string, defs []*domain.PipelineDefinition, matcher *fraud.Matcher) (*Snapshot, error) {
	s := &Snapshot{
		Version:   version,
		Matcher:   matcher,
		pipelines: make(map[string]*domain.PipelineDefinition, len(defs)),
	}
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
		}
		if _, dup := s.pipelines[def.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline name %q", def.Name)
		}
		s.pipelines[def.Name] = def
	}
	return s, nil
}

// Pipeline returns the named definition.
func (s *Snapshot) Pipeline(name string) (*domain.PipelineDefinition, bool) {
	def, ok := s.pipelines[name]
	return def, ok
}

// Pipelines returns all loaded definitions.
func (s *Snapshot) Pipelines() []*domain.PipelineDefinition {
	defs := make([]*domain.PipelineDefinition, 0, len(s.pipelines))
	for _, def := range s.pipelines {
		defs = append(defs, def)
	}
	return defs
}

// Store holds the current snapshot behind an atomic pointer so reload
// never blocks evaluation.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store seeded with the initial snapshot.
func NewStore(initial *Snapshot) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	return s.current.Load()
}

// Swap atomically replaces the current snapshot.
func (s *Store) Swap(next *Snapshot) {
	s.current.Store(next)
}
