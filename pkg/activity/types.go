// Package activity defines the domain model for captured user activity:
// activities with their assets and snapshots, the context identity that
// names what the user is focused on, and the strategies that know how to
// collect content for each kind of context.
package activity

import (
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
)

// ContentKind names the closed set of content types the pipeline understands.
type ContentKind string

const (
	KindVideo   ContentKind = "video"
	KindArticle ContentKind = "article"
	KindThread  ContentKind = "thread"
	KindPDF     ContentKind = "pdf"
	KindDefault ContentKind = "default"
)

// ContextIdentity names the foreground context an activity is recorded for.
// Two identities are equal iff all fields are equal; strategy selection is a
// pure function of this value.
type ContextIdentity struct {
	ProcessName string `json:"process_name"`
	URL         string `json:"url,omitempty"`
	ObserverID  string `json:"observer_id,omitempty"`
}

// ContextChip is a compact summary item derived from an asset, used by
// timeline summary views.
type ContextChip struct {
	ID       string            `json:"id"`
	Source   string            `json:"source"`
	Name     string            `json:"name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Icon     string            `json:"icon,omitempty"`
	Position int               `json:"position"`
}

// DisplayAsset is the minimal rendering view of an asset.
type DisplayAsset struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// TranscriptLine is one timed line of a video transcript.
type TranscriptLine struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// VideoAsset is the one-time capture for a video context: transcript plus
// position at capture time.
type VideoAsset struct {
	ID          string           `json:"id"`
	URL         string           `json:"url"`
	Title       string           `json:"title"`
	Transcript  []TranscriptLine `json:"transcript"`
	CurrentTime float64          `json:"current_time"`
}

// TranscriptAt returns the transcript line covering the given playback time.
func (a *VideoAsset) TranscriptAt(t float64) (string, bool) {
	for _, line := range a.Transcript {
		if line.Start <= t && t < line.Start+line.Duration {
			return line.Text, true
		}
	}
	return "", false
}

// ArticleAsset is the one-time capture for an article context.
type ArticleAsset struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	Content       string `json:"content"`
	Author        string `json:"author,omitempty"`
	PublishedDate string `json:"published_date,omitempty"`
	WordCount     int    `json:"word_count"`
}

// PdfAsset is the one-time capture for a PDF document context.
type PdfAsset struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Post is one entry in a discussion thread.
type Post struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// ThreadAsset is the one-time capture for a discussion-thread context.
type ThreadAsset struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Posts []Post `json:"posts"`
}

// DefaultAsset carries metadata only, for contexts no handler understands.
type DefaultAsset struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Asset is the closed union of one-time captures. Kind names the populated
// variant; exactly one variant field is non-nil.
type Asset struct {
	Kind    ContentKind   `json:"kind"`
	Video   *VideoAsset   `json:"video,omitempty"`
	Article *ArticleAsset `json:"article,omitempty"`
	Thread  *ThreadAsset  `json:"thread,omitempty"`
	Pdf     *PdfAsset     `json:"pdf,omitempty"`
	Default *DefaultAsset `json:"default,omitempty"`
}

// Name returns the display name of the underlying capture.
func (a Asset) Name() string {
	switch a.Kind {
	case KindVideo:
		if a.Video != nil {
			return a.Video.Title
		}
	case KindArticle:
		if a.Article != nil {
			return a.Article.Title
		}
	case KindThread:
		if a.Thread != nil {
			return a.Thread.Title
		}
	case KindPDF:
		if a.Pdf != nil {
			return a.Pdf.Title
		}
	case KindDefault:
		if a.Default != nil {
			return a.Default.Name
		}
	}
	return ""
}

// Icon returns the icon name for the asset, empty if the asset carries none.
func (a Asset) Icon() string {
	switch a.Kind {
	case KindVideo:
		return "video"
	case KindArticle:
		return "article"
	case KindThread:
		return "thread"
	case KindPDF:
		return "pdf"
	case KindDefault:
		if a.Default != nil {
			return a.Default.Icon
		}
	}
	return ""
}

// ContextChip derives the summary chip for the asset. Default assets have no
// chip.
func (a Asset) ContextChip() (ContextChip, bool) {
	switch a.Kind {
	case KindVideo:
		if a.Video == nil {
			return ContextChip{}, false
		}
		return ContextChip{
			ID:     a.Video.ID,
			Source: string(KindVideo),
			Name:   a.Video.Title,
			Attrs:  map[string]string{"url": a.Video.URL},
		}, true
	case KindArticle:
		if a.Article == nil {
			return ContextChip{}, false
		}
		return ContextChip{
			ID:     a.Article.ID,
			Source: string(KindArticle),
			Name:   a.Article.Title,
			Attrs:  map[string]string{"url": a.Article.URL},
		}, true
	case KindThread:
		if a.Thread == nil {
			return ContextChip{}, false
		}
		return ContextChip{
			ID:     a.Thread.ID,
			Source: string(KindThread),
			Name:   a.Thread.Title,
			Attrs:  map[string]string{"url": a.Thread.URL},
		}, true
	case KindPDF:
		if a.Pdf == nil {
			return ContextChip{}, false
		}
		// PDF chips show the serving domain rather than the document title.
		name := a.Pdf.Title
		if u, err := url.Parse(a.Pdf.URL); err == nil && u.Hostname() != "" {
			name = u.Hostname()
		}
		return ContextChip{
			ID:     a.Pdf.ID,
			Source: string(KindPDF),
			Name:   name,
			Attrs:  map[string]string{"url": a.Pdf.URL},
		}, true
	}
	return ContextChip{}, false
}

// VideoSnapshot is a repeated capture of playback state.
type VideoSnapshot struct {
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// ArticleSnapshot is a repeated capture of reading state.
type ArticleSnapshot struct {
	Selection      string  `json:"selection,omitempty"`
	ScrollProgress float64 `json:"scroll_progress"`
	CreatedAt      int64   `json:"created_at"`
	UpdatedAt      int64   `json:"updated_at"`
}

// ThreadSnapshot is a repeated capture of the posts currently in view.
type ThreadSnapshot struct {
	VisiblePosts []Post `json:"visible_posts"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// DefaultSnapshot records only that the context was still in focus.
type DefaultSnapshot struct {
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Snapshot is the closed union of repeated captures.
type Snapshot struct {
	Kind    ContentKind      `json:"kind"`
	Video   *VideoSnapshot   `json:"video,omitempty"`
	Article *ArticleSnapshot `json:"article,omitempty"`
	Thread  *ThreadSnapshot  `json:"thread,omitempty"`
	Default *DefaultSnapshot `json:"default,omitempty"`
}

// CreatedAt returns the capture creation timestamp (unix seconds).
func (s Snapshot) CreatedAt() int64 {
	switch s.Kind {
	case KindVideo:
		if s.Video != nil {
			return s.Video.CreatedAt
		}
	case KindArticle:
		if s.Article != nil {
			return s.Article.CreatedAt
		}
	case KindThread:
		if s.Thread != nil {
			return s.Thread.CreatedAt
		}
	case KindDefault:
		if s.Default != nil {
			return s.Default.CreatedAt
		}
	}
	return 0
}

// UpdatedAt returns the last-update timestamp (unix seconds).
func (s Snapshot) UpdatedAt() int64 {
	switch s.Kind {
	case KindVideo:
		if s.Video != nil {
			return s.Video.UpdatedAt
		}
	case KindArticle:
		if s.Article != nil {
			return s.Article.UpdatedAt
		}
	case KindThread:
		if s.Thread != nil {
			return s.Thread.UpdatedAt
		}
	case KindDefault:
		if s.Default != nil {
			return s.Default.UpdatedAt
		}
	}
	return 0
}

// Activity is one contiguous span of user attention on a single context.
// While open (End == nil) assets and snapshots may be appended; once closed
// it is immutable.
type Activity struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Icon      string          `json:"icon"`
	Context   ContextIdentity `json:"context"`
	Start     time.Time       `json:"start"`
	End       *time.Time      `json:"end,omitempty"`
	Assets    []Asset         `json:"assets"`
	Snapshots []Snapshot      `json:"snapshots"`
}

// NewActivity opens an activity for the given context.
func NewActivity(name, icon string, identity ContextIdentity, assets []Asset) *Activity {
	return &Activity{
		ID:      ulid.Make().String(),
		Name:    name,
		Icon:    icon,
		Context: identity,
		Start:   time.Now(),
		Assets:  assets,
	}
}

// IsOpen reports whether the activity is still accumulating captures.
func (a *Activity) IsOpen() bool {
	return a.End == nil
}

// AddAsset appends an asset. Ignored once the activity is closed.
func (a *Activity) AddAsset(asset Asset) {
	if !a.IsOpen() {
		return
	}
	a.Assets = append(a.Assets, asset)
}

// AddSnapshot appends a snapshot. Ignored once the activity is closed.
func (a *Activity) AddSnapshot(snapshot Snapshot) {
	if !a.IsOpen() {
		return
	}
	a.Snapshots = append(a.Snapshots, snapshot)
}

// Close ends the activity. End never precedes Start, and closing twice keeps
// the first end time.
func (a *Activity) Close() {
	if !a.IsOpen() {
		return
	}
	end := time.Now()
	if end.Before(a.Start) {
		end = a.Start
	}
	a.End = &end
}

// Duration is the activity's span so far (to now while open).
func (a *Activity) Duration() time.Duration {
	if a.End != nil {
		return a.End.Sub(a.Start)
	}
	return time.Since(a.Start)
}

// DisplayAssets returns the rendering view of every asset, falling back to
// the activity icon for assets without one of their own.
func (a *Activity) DisplayAssets() []DisplayAsset {
	out := make([]DisplayAsset, 0, len(a.Assets))
	for _, asset := range a.Assets {
		icon := asset.Icon()
		if icon == "" {
			icon = a.Icon
		}
		out = append(out, DisplayAsset{Name: asset.Name(), Icon: icon})
	}
	return out
}

// ContextChips returns the summary chips for all assets that have one,
// positioned in asset order.
func (a *Activity) ContextChips() []ContextChip {
	out := make([]ContextChip, 0, len(a.Assets))
	for _, asset := range a.Assets {
		chip, ok := asset.ContextChip()
		if !ok {
			continue
		}
		chip.Position = len(out)
		out = append(out, chip)
	}
	return out
}
