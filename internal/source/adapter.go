package source

import (
	"context"
	"sort"
	"sync"

	"lexline/internal/domain"
)

// Item is one change fetched from a source before persistence.
type Item struct {
	ExternalID   string
	URL          string
	Title        string
	Summary      string
	Body         string
	Status       string
	Type         domain.ItemType
	Jurisdiction domain.Jurisdiction
	Topics       []string
	Severity     domain.Severity
	CrossRefKey  string
	PublishedAt  *string
	IntroducedAt *string
	EffectiveAt  *string
	Payload      domain.Payload
}

// FetchParams narrows what an adapter should return.
type FetchParams struct {
	States        []string
	Topics        []string
	Since         string
	IncludeTribal bool
}

// FetchResult carries fetched items plus the cursor to resume from next time.
// Errors holds item-level problems that did not abort the fetch.
type FetchResult struct {
	Items  []Item
	Cursor string
	Errors []string
}

// Adapter fetches changes for sources of one adapter kind. Implementations
// are shared across sources; the source row carries per-source settings.
type Adapter interface {
	Name() string
	Available(ctx context.Context) bool
	Fetch(ctx context.Context, src domain.Source, params FetchParams) (FetchResult, error)
}

// Registry holds the adapters the ingest engine can dispatch to.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the built-in adapters.
func DefaultRegistry() *Registry {
	return NewRegistry(NewStaticAdapter(), NewFeedAdapter())
}

func matchTopics(itemTopics, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, t := range itemTopics {
		for _, w := range want {
			if t == w {
				return true
			}
		}
	}
	return false
}

func matchStates(j domain.Jurisdiction, want []string) bool {
	if len(want) == 0 || j.State == "" {
		return true
	}
	for _, w := range want {
		if j.State == w {
			return true
		}
	}
	return false
}
