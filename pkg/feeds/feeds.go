// Package feeds discovers podcast episodes from RSS/Atom feeds and starts
// ad detection jobs for the ones not seen before.
package feeds

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// Episode is one feed item with a playable audio file.
type Episode struct {
	GUID      string
	Title     string
	AudioURL  string
	Link      string
	Published *time.Time
}

// ID is the identifier jobs are keyed by: the item GUID, or the audio URL
// for feeds that omit GUIDs.
func (e Episode) ID() string {
	if e.GUID != "" {
		return e.GUID
	}
	return e.AudioURL
}

// Parser handles RSS/Atom feed parsing operations.
type Parser struct {
	feedParser *gofeed.Parser
}

// NewParser creates a new feed parser.
func NewParser() *Parser {
	return &Parser{feedParser: gofeed.NewParser()}
}

// ParseURL fetches and parses the feed at feedURL.
func (p *Parser) ParseURL(ctx context.Context, feedURL string) ([]Episode, error) {
	feed, err := p.feedParser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return episodesFromFeed(feed)
}

// ParseString parses a feed document.
func (p *Parser) ParseString(doc string) ([]Episode, error) {
	feed, err := p.feedParser.ParseString(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return episodesFromFeed(feed)
}

// episodesFromFeed keeps items that have an audio enclosure or a page link
// the audio can be looked up from.
func episodesFromFeed(feed *gofeed.Feed) ([]Episode, error) {
	if feed == nil || len(feed.Items) == 0 {
		return nil, fmt.Errorf("feed contains no items")
	}

	episodes := make([]Episode, 0, len(feed.Items))
	for _, item := range feed.Items {
		ep := Episode{
			GUID:      strings.TrimSpace(item.GUID),
			Title:     strings.TrimSpace(item.Title),
			AudioURL:  audioEnclosure(item),
			Link:      strings.TrimSpace(item.Link),
			Published: item.PublishedParsed,
		}
		if ep.AudioURL == "" && ep.Link == "" {
			continue
		}
		episodes = append(episodes, ep)
	}

	if len(episodes) == 0 {
		return nil, fmt.Errorf("no episodes found in feed items")
	}
	return episodes, nil
}

func audioEnclosure(item *gofeed.Item) string {
	var fallback string
	for _, enc := range item.Enclosures {
		if enc == nil || enc.URL == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(enc.Type), "audio/") {
			return enc.URL
		}
		if fallback == "" && enc.Type == "" {
			fallback = enc.URL
		}
	}
	return fallback
}
