package observer

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/vigil-dev/vigil/pkg/activity"
	vigilerrors "github.com/vigil-dev/vigil/pkg/errors"
)

// DefaultHandler serves pages no registered handler claims: metadata only,
// empty captures.
type DefaultHandler struct{}

// NewDefaultHandler creates the fallback handler.
func NewDefaultHandler() *DefaultHandler {
	return &DefaultHandler{}
}

func (h *DefaultHandler) Kind() activity.ContentKind { return activity.KindDefault }

func (h *DefaultHandler) Metadata(_ context.Context, page Page) (activity.Metadata, error) {
	return activity.Metadata{
		Name: page.Title(),
		URL:  page.URL(),
		Kind: activity.KindDefault,
	}, nil
}

func (h *DefaultHandler) GenerateAssets(_ context.Context, page Page) ([]activity.Asset, error) {
	return []activity.Asset{{
		Kind: activity.KindDefault,
		Default: &activity.DefaultAsset{
			ID:   uuid.NewString(),
			Name: page.Title(),
		},
	}}, nil
}

func (h *DefaultHandler) GenerateSnapshots(_ context.Context, _ Page) ([]activity.Snapshot, error) {
	now := time.Now().Unix()
	return []activity.Snapshot{{
		Kind:    activity.KindDefault,
		Default: &activity.DefaultSnapshot{CreatedAt: now, UpdatedAt: now},
	}}, nil
}

// ArticleHandler extracts article text from the page DOM.
type ArticleHandler struct{}

// NewArticleHandler creates the article handler.
func NewArticleHandler() *ArticleHandler {
	return &ArticleHandler{}
}

func (h *ArticleHandler) Kind() activity.ContentKind { return activity.KindArticle }

func (h *ArticleHandler) parse(page Page) (*goquery.Document, error) {
	html, err := page.HTML()
	if err != nil {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeStrategyExtraction, "reading page DOM")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeStrategyExtraction, "parsing page DOM")
	}
	return doc, nil
}

func (h *ArticleHandler) Metadata(_ context.Context, page Page) (activity.Metadata, error) {
	doc, err := h.parse(page)
	if err != nil {
		return activity.Metadata{}, err
	}
	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = page.Title()
	}
	return activity.Metadata{Name: title, Icon: "article", URL: page.URL(), Kind: activity.KindArticle}, nil
}

func (h *ArticleHandler) GenerateAssets(_ context.Context, page Page) ([]activity.Asset, error) {
	doc, err := h.parse(page)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = page.Title()
	}
	author := strings.TrimSpace(doc.Find(`[rel="author"], .byline, .author`).First().Text())
	published, _ := doc.Find("time").First().Attr("datetime")

	// Prefer article-scoped paragraphs; fall back to all paragraphs.
	scope := doc.Find("article")
	if scope.Length() == 0 {
		scope = doc.Selection
	}
	paras := make([]string, 0, 16)
	scope.Find("p").Each(func(_ int, sel *goquery.Selection) {
		if text := strings.TrimSpace(sel.Text()); text != "" {
			paras = append(paras, text)
		}
	})
	content := strings.Join(paras, "\n\n")
	if content == "" {
		return nil, vigilerrors.New(vigilerrors.ErrCodeStrategyExtraction, "no article text found").
			WithContext("url", page.URL())
	}

	return []activity.Asset{{
		Kind: activity.KindArticle,
		Article: &activity.ArticleAsset{
			ID:            uuid.NewString(),
			URL:           page.URL(),
			Title:         title,
			Content:       content,
			Author:        author,
			PublishedDate: published,
			WordCount:     len(strings.Fields(content)),
		},
	}}, nil
}

func (h *ArticleHandler) GenerateSnapshots(_ context.Context, page Page) ([]activity.Snapshot, error) {
	doc, err := h.parse(page)
	if err != nil {
		return nil, err
	}
	selection := strings.TrimSpace(doc.Find(".selection, mark").First().Text())
	now := time.Now().Unix()
	return []activity.Snapshot{{
		Kind: activity.KindArticle,
		Article: &activity.ArticleSnapshot{
			Selection: selection,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}}, nil
}

// VideoHandler captures transcript and playback state from video pages. It
// needs the VideoPage surface; plain pages degrade to an extraction error.
type VideoHandler struct{}

// NewVideoHandler creates the video handler.
func NewVideoHandler() *VideoHandler {
	return &VideoHandler{}
}

func (h *VideoHandler) Kind() activity.ContentKind { return activity.KindVideo }

func videoPage(page Page) (VideoPage, error) {
	vp, ok := page.(VideoPage)
	if !ok {
		return nil, vigilerrors.New(vigilerrors.ErrCodeStrategyExtraction, "page has no video surface").
			WithContext("url", page.URL())
	}
	return vp, nil
}

func (h *VideoHandler) Metadata(_ context.Context, page Page) (activity.Metadata, error) {
	return activity.Metadata{Name: page.Title(), Icon: "video", URL: page.URL(), Kind: activity.KindVideo}, nil
}

func (h *VideoHandler) GenerateAssets(_ context.Context, page Page) ([]activity.Asset, error) {
	vp, err := videoPage(page)
	if err != nil {
		return nil, err
	}
	return []activity.Asset{{
		Kind: activity.KindVideo,
		Video: &activity.VideoAsset{
			ID:          uuid.NewString(),
			URL:         page.URL(),
			Title:       page.Title(),
			Transcript:  vp.Transcript(),
			CurrentTime: vp.CurrentTime(),
		},
	}}, nil
}

func (h *VideoHandler) GenerateSnapshots(_ context.Context, page Page) ([]activity.Snapshot, error) {
	vp, err := videoPage(page)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	return []activity.Snapshot{{
		Kind: activity.KindVideo,
		Video: &activity.VideoSnapshot{
			CurrentTime: vp.CurrentTime(),
			Duration:    vp.Duration(),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}}, nil
}

// Play seeks the video. Only video pages support it.
func (h *VideoHandler) Play(_ context.Context, page Page, seconds float64) error {
	vp, err := videoPage(page)
	if err != nil {
		return err
	}
	return vp.Seek(seconds)
}

// PdfHandler captures the text of PDF documents. It needs the PDFPage
// surface; plain pages degrade to an extraction error.
type PdfHandler struct{}

// NewPdfHandler creates the PDF handler.
func NewPdfHandler() *PdfHandler {
	return &PdfHandler{}
}

func (h *PdfHandler) Kind() activity.ContentKind { return activity.KindPDF }

func pdfPage(page Page) (PDFPage, error) {
	pp, ok := page.(PDFPage)
	if !ok {
		return nil, vigilerrors.New(vigilerrors.ErrCodeStrategyExtraction, "page has no PDF surface").
			WithContext("url", page.URL())
	}
	return pp, nil
}

func pdfTitle(page Page) string {
	if t := page.Title(); t != "" {
		return t
	}
	return "PDF"
}

func (h *PdfHandler) Metadata(_ context.Context, page Page) (activity.Metadata, error) {
	return activity.Metadata{Name: pdfTitle(page), Icon: "pdf", URL: page.URL(), Kind: activity.KindPDF}, nil
}

func (h *PdfHandler) GenerateAssets(_ context.Context, page Page) ([]activity.Asset, error) {
	pp, err := pdfPage(page)
	if err != nil {
		return nil, err
	}
	text, err := pp.Text()
	if err != nil {
		return nil, vigilerrors.Wrap(err, vigilerrors.ErrCodeStrategyExtraction, "reading PDF text")
	}
	if strings.TrimSpace(text) == "" {
		return nil, vigilerrors.New(vigilerrors.ErrCodeStrategyExtraction, "no PDF text found").
			WithContext("url", page.URL())
	}
	return []activity.Asset{{
		Kind: activity.KindPDF,
		Pdf: &activity.PdfAsset{
			ID:      uuid.NewString(),
			URL:     page.URL(),
			Title:   pdfTitle(page),
			Content: text,
		},
	}}, nil
}

// GenerateSnapshots is empty for PDFs: the document text does not change, so
// there is no repeated capture.
func (h *PdfHandler) GenerateSnapshots(_ context.Context, _ Page) ([]activity.Snapshot, error) {
	return nil, nil
}

// ThreadHandler captures post lists from discussion-thread pages.
type ThreadHandler struct{}

// NewThreadHandler creates the thread handler.
func NewThreadHandler() *ThreadHandler {
	return &ThreadHandler{}
}

func (h *ThreadHandler) Kind() activity.ContentKind { return activity.KindThread }

func threadPage(page Page) (ThreadPage, error) {
	tp, ok := page.(ThreadPage)
	if !ok {
		return nil, vigilerrors.New(vigilerrors.ErrCodeStrategyExtraction, "page has no thread surface").
			WithContext("url", page.URL())
	}
	return tp, nil
}

func (h *ThreadHandler) Metadata(_ context.Context, page Page) (activity.Metadata, error) {
	return activity.Metadata{Name: page.Title(), Icon: "thread", URL: page.URL(), Kind: activity.KindThread}, nil
}

func (h *ThreadHandler) GenerateAssets(_ context.Context, page Page) ([]activity.Asset, error) {
	tp, err := threadPage(page)
	if err != nil {
		return nil, err
	}
	return []activity.Asset{{
		Kind: activity.KindThread,
		Thread: &activity.ThreadAsset{
			ID:    uuid.NewString(),
			URL:   page.URL(),
			Title: page.Title(),
			Posts: tp.Posts(),
		},
	}}, nil
}

func (h *ThreadHandler) GenerateSnapshots(_ context.Context, page Page) ([]activity.Snapshot, error) {
	tp, err := threadPage(page)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	return []activity.Snapshot{{
		Kind: activity.KindThread,
		Thread: &activity.ThreadSnapshot{
			VisiblePosts: tp.VisiblePosts(),
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}}, nil
}
