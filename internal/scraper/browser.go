// Package scraper drives the browser: it scans rendered experiment pages
// into snapshots and writes validated answers back into form controls.
package scraper

import (
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/surveybot/surveybot/internal/config"
)

// Browser owns one Playwright instance and the launched browser process.
// Sessions share the browser but get isolated contexts.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	cfg     config.BrowserConfig
	logger  *zap.Logger
}

// Launch starts Playwright and a Chromium instance, retrying startup
// failures up to the configured attempt count.
func Launch(cfg config.BrowserConfig, logger *zap.Logger) (*Browser, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.StartupAttempts; attempt++ {
		pw, err := playwright.Run()
		if err != nil {
			lastErr = fmt.Errorf("starting playwright: %w", err)
			logger.Warn("browser startup failed",
				zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(cfg.Headless),
		})
		if err != nil {
			pw.Stop()
			lastErr = fmt.Errorf("launching browser: %w", err)
			logger.Warn("browser launch failed",
				zap.Int("attempt", attempt), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		return &Browser{pw: pw, browser: browser, cfg: cfg, logger: logger}, nil
	}
	return nil, fmt.Errorf("browser did not start after %d attempts: %w",
		cfg.StartupAttempts, lastErr)
}

// NewSession creates an isolated page for one bot run.
func (b *Browser) NewSession() (*Session, error) {
	ctx, err := b.browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1920, Height: 1400},
	})
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	page, err := ctx.NewPage()
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("creating page: %w", err)
	}
	page.SetDefaultTimeout(float64(b.cfg.NavTimeout.Milliseconds()))
	return &Session{ctx: ctx, page: page, logger: b.logger}, nil
}

// Close shuts down the browser and the Playwright driver.
func (b *Browser) Close() error {
	if b.browser != nil {
		b.browser.Close()
	}
	if b.pw != nil {
		return b.pw.Stop()
	}
	return nil
}

// Session is one bot's exclusive browser page.
type Session struct {
	ctx    playwright.BrowserContext
	page   playwright.Page
	logger *zap.Logger
}

// Screenshot captures the current page as PNG.
func (s *Session) Screenshot() ([]byte, error) {
	return s.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
	})
}

// Close releases the session's browser context.
func (s *Session) Close() error {
	return s.ctx.Close()
}
