// Package observer implements the content-observer side of the pipeline: a
// registry mapping page domains to content handlers, per-page watchers that
// debounce structural changes and hold collect requests, and the service
// that speaks to the host over a transport channel.
package observer

import (
	"context"
	"strings"
	"sync"

	"github.com/vigil-dev/vigil/pkg/activity"
	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
)

// Page is what a handler extracts content from. Implementations wrap a real
// browser tab or, in local runs, a simulated page source.
type Page interface {
	// URL returns the page's current address.
	URL() string

	// Title returns the page's current title.
	Title() string

	// HTML returns the current DOM serialization.
	HTML() (string, error)

	// Changes delivers a signal per structural change. The channel is
	// edge-triggered: coalescing is the watcher's job.
	Changes() <-chan struct{}
}

// VideoPage is the extra surface video pages expose.
type VideoPage interface {
	Page
	CurrentTime() float64
	Duration() float64
	Transcript() []activity.TranscriptLine
	Seek(seconds float64) error
}

// ThreadPage is the extra surface discussion-thread pages expose.
type ThreadPage interface {
	Page
	Posts() []activity.Post
	VisiblePosts() []activity.Post
}

// PDFPage is a page rendering a PDF document. Handlers read its extracted
// text rather than the DOM.
type PDFPage interface {
	Page
	Text() (string, error)
}

// Handler extracts content of one kind from a page.
type Handler interface {
	// Kind names the content type this handler produces.
	Kind() activity.ContentKind

	// Metadata describes the page for the activity header.
	Metadata(ctx context.Context, page Page) (activity.Metadata, error)

	// GenerateAssets performs the one-time capture.
	GenerateAssets(ctx context.Context, page Page) ([]activity.Asset, error)

	// GenerateSnapshots captures current engagement state.
	GenerateSnapshots(ctx context.Context, page Page) ([]activity.Snapshot, error)
}

// HandlerFactory loads a handler. Loading happens once per page; a factory
// error falls back to the default handler.
type HandlerFactory func() (Handler, error)

type registryEntry struct {
	pattern string
	kind    activity.ContentKind
	factory HandlerFactory
}

// Registry maps domain patterns to handler factories. A pattern is either an
// exact domain ("news.example.com") or a wildcard suffix ("*.example.com").
// Exact matches always beat wildcard matches; unmatched domains get the
// default handler.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]registryEntry
	wildcard map[string]registryEntry // keyed by suffix without the "*."
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]registryEntry),
		wildcard: make(map[string]registryEntry),
	}
}

// Register installs a factory for a pattern, replacing any previous entry
// for the same pattern.
func (r *Registry) Register(pattern string, kind activity.ContentKind, factory HandlerFactory) error {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return vigilerrors.New(vigilerrors.ErrCodeInvalidInput, "empty registry pattern")
	}
	entry := registryEntry{pattern: pattern, kind: kind, factory: factory}

	r.mu.Lock()
	defer r.mu.Unlock()
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		if suffix == "" {
			return vigilerrors.New(vigilerrors.ErrCodeInvalidInput, "wildcard pattern needs a suffix").
				WithContext("pattern", pattern)
		}
		r.wildcard[suffix] = entry
		return nil
	}
	r.exact[pattern] = entry
	return nil
}

// Resolve loads the handler for a domain. Exact match wins over wildcard;
// wildcard matching walks the domain's parent suffixes so the most specific
// wildcard wins. A factory failure or no match at all yields the default
// handler; the error, if any, is returned alongside so the caller can
// surface it without failing.
func (r *Registry) Resolve(domain string) (Handler, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	r.mu.RLock()
	entry, found := r.exact[domain]
	if !found {
		// "a.b.example.com" tries "*.b.example.com", then "*.example.com",
		// then "*.com".
		rest := domain
		for {
			i := strings.IndexByte(rest, '.')
			if i < 0 {
				break
			}
			rest = rest[i+1:]
			if e, ok := r.wildcard[rest]; ok {
				entry, found = e, true
				break
			}
		}
	}
	r.mu.RUnlock()

	if !found {
		return NewDefaultHandler(), nil
	}

	h, err := entry.factory()
	if err != nil {
		return NewDefaultHandler(), vigilerrors.Wrap(err, vigilerrors.ErrCodeStrategyExtraction,
			"handler load failed, using default").
			WithContext("pattern", entry.pattern).
			WithContext("domain", domain)
	}
	return h, nil
}

// Kinds returns the distinct content kinds registered, for the REGISTER
// handshake.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[activity.ContentKind]bool)
	out := make([]string, 0, 4)
	for _, e := range r.exact {
		if !seen[e.kind] {
			seen[e.kind] = true
			out = append(out, string(e.kind))
		}
	}
	for _, e := range r.wildcard {
		if !seen[e.kind] {
			seen[e.kind] = true
			out = append(out, string(e.kind))
		}
	}
	return out
}
