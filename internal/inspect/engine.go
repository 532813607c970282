// Package inspect contains the headless-browser inspection engine and the
// lightweight pre-flight prober. Each engine handle owns a dedicated
// browser OS process bound to a private profile directory; handles are
// never shared between workers and may be discarded and rebuilt mid-run.
package inspect

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/perimeterlabs/vantage/internal/hash/sha256"
	"github.com/perimeterlabs/vantage/internal/scan"
)

// Config controls the behavior of the browser engine.
type Config struct {
	// Workspace is the private profile directory for this handle.
	Workspace string
	// OutputDir receives screenshot and page-source artifacts.
	OutputDir  string
	NavTimeout time.Duration
	Width      int
	Height     int
	UserAgent  string
}

// Engine implements scan.Inspector using chromedp and headless Chrome.
type Engine struct {
	cfg         Config
	prober      *Prober
	hasher      *sha256.Hasher
	allocator   context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
}

// NewEngine launches a headless browser with an isolated profile rooted at
// cfg.Workspace. The browser process is started eagerly so initialization
// failures surface here, not on the first job.
func NewEngine(ctx context.Context, cfg Config, prober *Prober) (*Engine, error) {
	if cfg.Workspace == "" {
		return nil, fmt.Errorf("engine workspace is required")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.Width <= 0 {
		cfg.Width = 1920
	}
	if cfg.Height <= 0 {
		cfg.Height = 1080
	}
	if err := os.MkdirAll(cfg.Workspace, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.UserDataDir(cfg.Workspace),
		chromedp.WindowSize(cfg.Width, cfg.Height),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	// Force the browser to actually start.
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Engine{
		cfg:         cfg,
		prober:      prober,
		hasher:      sha256.New(),
		allocator:   allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
	}, nil
}

// Inspect visits the job's target in a fresh tab and captures the rendered
// page: final URL, title, response metadata, a screenshot, and the page
// source. Engine death is reported as scan.ErrEngineCrashed so the owner
// can rebuild the handle.
func (e *Engine) Inspect(ctx context.Context, job scan.Job) (*scan.Inspection, error) {
	if err := e.browserCtx.Err(); err != nil {
		return nil, fmt.Errorf("%w: browser context: %v", scan.ErrEngineCrashed, err)
	}

	out := &scan.Inspection{Target: job.Target}

	if job.Config.ResolveHost {
		out.ResolvedAddr = resolveHost(ctx, job.Target)
	}
	if e.prober != nil {
		if probe, err := e.prober.Probe(ctx, job.Target, job.Config.UserAgent); err == nil {
			out.ServerBanner = probe.ServerBanner
		}
	}

	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx)
	defer tabCancel()

	timeout := job.Config.Timeout
	if timeout <= 0 || timeout > e.cfg.NavTimeout {
		timeout = e.cfg.NavTimeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		title    string
		finalURL string
		html     string
		shot     []byte
	)
	actions := []chromedp.Action{
		e.setupAction(job.Config.UserAgent),
		chromedp.Navigate(job.Target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Title(&title),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.CaptureScreenshot(&shot),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if e.browserCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", scan.ErrEngineCrashed, err)
		}
		return nil, fmt.Errorf("inspect %s: %w", job.Target, err)
	}

	out.Title = title
	out.StatusCode, out.Headers, out.FinalURL = meta.snapshotWithFallbacks(job.Target, finalURL)
	if out.Headers == nil {
		out.Headers = http.Header{}
	}
	if out.ServerBanner == "" {
		out.ServerBanner = out.Headers.Get("Server")
	}

	if err := e.saveArtifacts(out, html, shot); err != nil {
		return nil, err
	}
	return out, nil
}

// Alive reports whether the browser process behind this handle is still
// usable.
func (e *Engine) Alive(context.Context) bool {
	return e.browserCtx.Err() == nil
}

// Close tears down the browser and removes the private profile directory.
func (e *Engine) Close(context.Context) error {
	e.browserStop()
	e.allocCancel()
	if err := os.RemoveAll(e.cfg.Workspace); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

func (e *Engine) setupAction(userAgent string) chromedp.Action {
	if userAgent == "" {
		userAgent = e.cfg.UserAgent
	}
	ua := userAgent
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (e *Engine) saveArtifacts(out *scan.Inspection, html string, shot []byte) error {
	if e.cfg.OutputDir == "" {
		return nil
	}
	digest, err := e.hasher.Hash([]byte(out.Target))
	if err != nil {
		return fmt.Errorf("hash target: %w", err)
	}
	name := digest[:16]

	if len(shot) > 0 {
		dir := filepath.Join(e.cfg.OutputDir, "screens")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create screenshot dir: %w", err)
		}
		path := filepath.Join(dir, name+".png")
		if err := os.WriteFile(path, shot, 0o640); err != nil {
			return fmt.Errorf("write screenshot: %w", err)
		}
		out.ScreenshotPath = path
	}
	if html != "" {
		dir := filepath.Join(e.cfg.OutputDir, "source")
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create source dir: %w", err)
		}
		path := filepath.Join(dir, name+".html")
		if err := os.WriteFile(path, []byte(html), 0o640); err != nil {
			return fmt.Errorf("write page source: %w", err)
		}
		out.SourcePath = path
	}
	return nil
}

func resolveHost(ctx context.Context, target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, u.Hostname())
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, respURL := m.status, cloneHeader(m.headers), m.url
	m.mu.RUnlock()

	switch {
	case respURL != "":
	case finalURL != "":
		respURL = finalURL
	default:
		respURL = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, respURL
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}
