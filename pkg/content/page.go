// Package content extracts episode metadata from podcast web pages.
package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"podcast-ads/pkg/httpclient"
)

// PageInfo is what an episode page says about the episode.
type PageInfo struct {
	URL       string
	Title     string
	AudioURL  string
	ShowNotes string
}

// ExtractTitle returns the episode title, preferring og:title over the
// readability heuristics and the <title>/<h1> elements.
func ExtractTitle(htmlContent string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	if title := strings.TrimSpace(doc.Find("meta[property='og:title']").AttrOr("content", "")); title != "" {
		return title, nil
	}

	if article, err := readability.FromReader(strings.NewReader(htmlContent), nil); err == nil {
		if title := strings.TrimSpace(article.Title); title != "" {
			return title, nil
		}
	}

	for _, sel := range []string{"h1", "title"} {
		if title := strings.TrimSpace(doc.Find(sel).First().Text()); title != "" {
			return title, nil
		}
	}
	return "", fmt.Errorf("title not found in HTML")
}

// ExtractShowNotes returns the main text of the page.
func ExtractShowNotes(htmlContent string) (string, error) {
	article, err := readability.FromReader(strings.NewReader(htmlContent), nil)
	if err != nil {
		return "", fmt.Errorf("failed to extract show notes: %w", err)
	}
	return strings.TrimSpace(article.TextContent), nil
}

// PageResolver fetches episode pages.
type PageResolver struct {
	client *httpclient.HTTPClient
}

// NewPageResolver returns a resolver that fetches with browser-like headers.
func NewPageResolver(timeout time.Duration) *PageResolver {
	return &PageResolver{client: httpclient.NewClient(httpclient.BrowserClient, timeout)}
}

// Resolve fetches pageURL and extracts its metadata. A page without an
// audio link is an error; missing title or notes are not.
func (r *PageResolver) Resolve(ctx context.Context, pageURL string) (PageInfo, error) {
	body, _, err := r.client.GetBody(ctx, pageURL)
	if err != nil {
		return PageInfo{}, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	html := string(body)

	audio, err := FindAudioURL(html, pageURL)
	if err != nil {
		return PageInfo{}, fmt.Errorf("%s: %w", pageURL, err)
	}

	info := PageInfo{URL: pageURL, AudioURL: audio}
	info.Title, _ = ExtractTitle(html)
	info.ShowNotes, _ = ExtractShowNotes(html)
	return info, nil
}

// ResolveAudio returns only the audio URL of pageURL.
func (r *PageResolver) ResolveAudio(ctx context.Context, pageURL string) (string, error) {
	info, err := r.Resolve(ctx, pageURL)
	if err != nil {
		return "", err
	}
	return info.AudioURL, nil
}
