// Command vigil-observer runs a content observer against a vigild host. It
// registers the built-in content handlers and feeds the host from a
// simulated page source, which stands in for a real browser integration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vigil-dev/vigil/pkg/activity"
	"github.com/vigil-dev/vigil/pkg/config"
	"github.com/vigil-dev/vigil/pkg/logging"
	"github.com/vigil-dev/vigil/pkg/observer"
	"github.com/vigil-dev/vigil/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: standard locations)")
	host := flag.String("host", "http://127.0.0.1:4601", "vigild HTTP address")
	poll := flag.Bool("poll", false, "use the HTTP polling fallback instead of WebSocket")
	pageURL := flag.String("url", "https://en.wikipedia.org/wiki/Sample", "simulated page URL")
	pageTitle := flag.String("title", "Sample", "simulated page title")
	flag.Parse()

	if err := run(*configPath, *host, *poll, *pageURL, *pageTitle); err != nil {
		fmt.Fprintln(os.Stderr, "vigil-observer:", err)
		os.Exit(1)
	}
}

func run(configPath, host string, poll bool, pageURL, pageTitle string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	observerID := cfg.Observer.ID
	if observerID == "" {
		observerID = "obs-" + ulid.Make().String()
	}

	logger := logging.NewNopLogger()
	if cfg.Logging.Dir != "" {
		logger, err = logging.NewLogger(cfg.Logging.Dir, observerID)
		if err != nil {
			return err
		}
		defer logger.Close()
	}
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	registry := observer.NewRegistry()
	if err := registerHandlers(registry); err != nil {
		return err
	}

	var dial transport.Dialer
	if poll {
		dial = transport.PollingDialer(host, observerID, cfg.Observer.PollInterval, logger)
	} else {
		wsURL := "ws" + host[len("http"):] + "/v1/ws"
		dial = func(ctx context.Context) (transport.Conn, error) {
			return transport.DialWebSocket(wsURL)
		}
	}

	svc := observer.NewService(registry, dial, logger, nil, observer.ServiceConfig{
		ObserverID:  observerID,
		ProcessName: cfg.Observer.ProcessName,
		Watcher: observer.WatcherConfig{
			Debounce:    cfg.Observer.Debounce,
			CollectWait: cfg.Observer.CollectWait,
		},
		Channel: &transport.ChannelConfig{
			RequestTimeout:      cfg.Transport.RequestTimeout,
			ReconnectBackoff:    cfg.Transport.ReconnectBackoff,
			ReconnectBackoffMax: cfg.Transport.ReconnectBackoffMax,
		},
	})
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		// The channel reconnects on the next send; keep going.
		logger.Warn(logging.CategoryObserver, "start_degraded", err.Error(), nil)
	}

	go func() {
		for err := range svc.Diagnostics() {
			logger.Warn(logging.CategoryObserver, "diagnostic", err.Error(), nil)
		}
	}()

	page := newSimulatedPage(pageURL, pageTitle)
	go page.run(ctx)

	if err := svc.ActivateTab(ctx, page); err != nil {
		logger.Warn(logging.CategoryObserver, "tab_event_failed", err.Error(), nil)
	}

	<-ctx.Done()
	return nil
}

// registerHandlers installs the built-in domain bindings.
func registerHandlers(r *observer.Registry) error {
	bindings := []struct {
		pattern string
		kind    activity.ContentKind
		factory observer.HandlerFactory
	}{
		{"*.wikipedia.org", activity.KindArticle, func() (observer.Handler, error) { return observer.NewArticleHandler(), nil }},
		{"*.medium.com", activity.KindArticle, func() (observer.Handler, error) { return observer.NewArticleHandler(), nil }},
		{"*.youtube.com", activity.KindVideo, func() (observer.Handler, error) { return observer.NewVideoHandler(), nil }},
		{"*.reddit.com", activity.KindThread, func() (observer.Handler, error) { return observer.NewThreadHandler(), nil }},
		{"*.arxiv.org", activity.KindPDF, func() (observer.Handler, error) { return observer.NewPdfHandler(), nil }},
		{"news.ycombinator.com", activity.KindThread, func() (observer.Handler, error) { return observer.NewThreadHandler(), nil }},
	}
	for _, b := range bindings {
		if err := r.Register(b.pattern, b.kind, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// simulatedPage stands in for a browser tab: its content grows a paragraph
// every few seconds, exercising the change/debounce/collect path end to end.
type simulatedPage struct {
	url   string
	title string

	mu      sync.Mutex
	html    string
	changes chan struct{}
}

func newSimulatedPage(url, title string) *simulatedPage {
	return &simulatedPage{
		url:     url,
		title:   title,
		html:    fmt.Sprintf("<article><h1>%s</h1><p>Opening paragraph.</p></article>", title),
		changes: make(chan struct{}, 16),
	}
}

func (p *simulatedPage) URL() string   { return p.url }
func (p *simulatedPage) Title() string { return p.title }

func (p *simulatedPage) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *simulatedPage) Changes() <-chan struct{} { return p.changes }

func (p *simulatedPage) run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n++
		p.mu.Lock()
		p.html = fmt.Sprintf(
			"<article><h1>%s</h1><p>Opening paragraph.</p><p>Update %d at %s.</p></article>",
			p.title, n, time.Now().Format(time.RFC3339))
		p.mu.Unlock()

		select {
		case p.changes <- struct{}{}:
		default:
		}
	}
}
