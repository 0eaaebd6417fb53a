package scraper

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/insta-saver/internal/content"
)

var ownerPattern = regexp.MustCompile(`\(@([A-Za-z0-9._]+)\)`)

// Parse extracts OpenGraph media from an HTML document. A page with at least
// one og:video is a video, more than one distinct og:image is a sidecar and
// a single og:image is an image.
func Parse(body []byte, sourceURL string) (content.MediaResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return content.MediaResult{}, fmt.Errorf("parse html: %w", err)
	}

	videos := metaValues(doc, "og:video:secure_url", "og:video")
	images := metaValues(doc, "og:image")
	if len(videos) == 0 && len(images) == 0 {
		return content.MediaResult{}, ErrNoMedia
	}

	res := content.MediaResult{
		SourceURL:     sourceURL,
		Caption:       firstMeta(doc, "og:description"),
		OwnerUserName: owner(firstMeta(doc, "og:title")),
	}
	switch {
	case len(videos) > 0:
		res.MediaType = content.MediaVideo
		thumb := ""
		if len(images) > 0 {
			thumb = images[0]
		}
		res.Items = append(res.Items, content.MediaItem{Kind: content.KindVideo, URL: videos[0], ThumbnailURL: thumb})
	case len(images) > 1:
		res.MediaType = content.MediaSidecar
		for _, u := range images {
			res.Items = append(res.Items, content.MediaItem{Kind: content.KindImage, URL: u})
		}
	default:
		res.MediaType = content.MediaImage
		res.Items = []content.MediaItem{{Kind: content.KindImage, URL: images[0]}}
	}
	return res, nil
}

// metaValues returns the distinct non-empty content values of the named
// meta properties, in document order.
func metaValues(doc *goquery.Document, properties ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		prop, ok := sel.Attr("property")
		if !ok {
			prop, _ = sel.Attr("name")
		}
		matched := false
		for _, p := range properties {
			if strings.EqualFold(prop, p) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
		val := strings.TrimSpace(sel.AttrOr("content", ""))
		if val == "" {
			return
		}
		if _, dup := seen[val]; dup {
			return
		}
		seen[val] = struct{}{}
		out = append(out, val)
	})
	return out
}

func firstMeta(doc *goquery.Document, property string) string {
	vals := metaValues(doc, property)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func owner(title string) string {
	if m := ownerPattern.FindStringSubmatch(title); m != nil {
		return m[1]
	}
	return ""
}
