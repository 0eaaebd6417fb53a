// Package scraper turns post URLs into downloadable media. A cheap HTTP
// probe is tried first; a headless browser render is the fallback when the
// probe yields no media and the page looks client-rendered.
package scraper

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/insta-saver/internal/content"
)

// ErrNoMedia is returned when a page carries no downloadable media.
var ErrNoMedia = errors.New("no media found")

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
	Rendered   bool
}

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Scraper implements content.Scraper over a probe and an optional headless
// fetcher.
type Scraper struct {
	probe    Fetcher
	headless Fetcher
	detector *Detector
	logger   *zap.Logger
}

var _ content.Scraper = (*Scraper)(nil)

// New constructs a Scraper. headless and detector may be nil; without a
// detector every empty probe is promoted.
func New(probe, headless Fetcher, detector *Detector, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{probe: probe, headless: headless, detector: detector, logger: logger}
}

// Scrape fetches url and extracts its media.
func (s *Scraper) Scrape(ctx context.Context, url string) (content.MediaResult, error) {
	page, probeErr := s.probe.Fetch(ctx, url)
	if probeErr == nil {
		res, err := Parse(page.Body, url)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNoMedia) {
			return content.MediaResult{}, err
		}
		if !s.shouldRender(page) {
			return content.MediaResult{}, err
		}
	} else if ctx.Err() != nil {
		return content.MediaResult{}, fmt.Errorf("probe: %w", probeErr)
	}

	if s.headless == nil {
		if probeErr != nil {
			return content.MediaResult{}, fmt.Errorf("probe: %w", probeErr)
		}
		return content.MediaResult{}, ErrNoMedia
	}

	s.logger.Debug("promoting to headless render", zap.String("url", url), zap.NamedError("probe_error", probeErr))
	rendered, err := s.headless.Fetch(ctx, url)
	if err != nil {
		return content.MediaResult{}, fmt.Errorf("headless: %w", err)
	}
	return Parse(rendered.Body, url)
}

func (s *Scraper) shouldRender(page Page) bool {
	if s.headless == nil {
		return false
	}
	if s.detector == nil {
		return true
	}
	return s.detector.ShouldPromote(page)
}
