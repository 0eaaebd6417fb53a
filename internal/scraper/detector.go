package scraper

import (
	"bytes"
	"net/http"
	"strings"
)

// Detector decides when a probed page needs a browser render.
type Detector struct {
	BodyLengthThreshold int
}

// NewDetector creates a Detector. A zero threshold defaults to 2048 bytes.
func NewDetector(threshold int) *Detector {
	if threshold == 0 {
		threshold = 2048
	}
	return &Detector{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"react-root\""),
	[]byte("id=\"root\""),
	[]byte("data-reactroot"),
	[]byte("window._sharedData"),
	[]byte("requireLazy("),
}

// ShouldPromote reports whether page looks like a client-rendered shell.
// Pages that did not load successfully are never promoted.
func (d *Detector) ShouldPromote(page Page) bool {
	if page.StatusCode != http.StatusOK {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script tags cover at least a quarter of
// the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			covered += total - start
			break
		}
		next := start + end + len(closeTag)
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
