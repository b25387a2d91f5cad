// internal/screenshot/screenshot.go
package screenshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/vibesdk/vibesdk/api/schemas"
	"github.com/vibesdk/vibesdk/internal/config"
)

// Renderer captures a page at a URL into PNG bytes. The backing store is an
// implementation detail; callers only see the contract.
type Renderer interface {
	Capture(ctx context.Context, pageURL string, width, height int) ([]byte, error)
}

// Service captures preview screenshots and persists the pointer through the
// application database façade.
type Service struct {
	renderer Renderer
	cfg      config.ScreenshotConfig
	apps     schemas.AppService
	logger   *zap.Logger
}

// NewService selects the configured renderer backend.
func NewService(cfg config.ScreenshotConfig, apps schemas.AppService, logger *zap.Logger) *Service {
	var renderer Renderer
	switch cfg.Backend {
	case "remote":
		renderer = &remoteRenderer{endpoint: cfg.RemoteURL, timeout: cfg.Timeout}
	default:
		renderer = &chromeRenderer{timeout: cfg.Timeout}
	}
	return &Service{
		renderer: renderer,
		cfg:      cfg,
		apps:     apps,
		logger:   logger.Named("screenshot"),
	}
}

// CaptureAndPersist renders the preview and stores the resulting data URL via
// AppService.UpdateAppScreenshot. Returns the stored URL.
func (s *Service) CaptureAndPersist(ctx context.Context, agentID, previewURL string) (string, error) {
	width, height := s.cfg.Viewport.Width, s.cfg.Viewport.Height
	png, err := s.renderer.Capture(ctx, previewURL, width, height)
	if err != nil {
		return "", fmt.Errorf("capture failed: %w", err)
	}

	screenshotURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	if s.apps != nil {
		if err := s.apps.UpdateAppScreenshot(ctx, agentID, screenshotURL); err != nil {
			return "", fmt.Errorf("failed to persist screenshot: %w", err)
		}
	}
	s.logger.Info("Screenshot captured",
		zap.String("agent_id", agentID),
		zap.Int("bytes", len(png)))
	return screenshotURL, nil
}

// -- chromedp backend --

// chromeRenderer drives a local headless Chrome.
type chromeRenderer struct {
	timeout time.Duration
}

func (r *chromeRenderer) Capture(ctx context.Context, pageURL string, width, height int) ([]byte, error) {
	timeout := r.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.WindowSize(width, height),
	)...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	runCtx, cancelRun := context.WithTimeout(browserCtx, timeout)
	defer cancelRun()

	var png []byte
	err := chromedp.Run(runCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			png, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return png, nil
}

// -- remote render service backend --

// remoteRenderer posts {url, viewport} to an external rendering API and
// decodes the base64 PNG it returns.
type remoteRenderer struct {
	endpoint string
	timeout  time.Duration
}

type renderRequest struct {
	URL      string `json:"url"`
	Viewport struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"viewport"`
}

type renderResponse struct {
	Screenshot string `json:"screenshot"` // base64 PNG
}

func (r *remoteRenderer) Capture(ctx context.Context, pageURL string, width, height int) ([]byte, error) {
	if r.endpoint == "" {
		return nil, fmt.Errorf("remote renderer endpoint not configured")
	}
	payload := renderRequest{URL: pageURL}
	payload.Viewport.Width = width
	payload.Viewport.Height = height
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	timeout := r.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("render service returned %d: %s", resp.StatusCode, string(raw))
	}

	var decoded renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(decoded.Screenshot)
}
