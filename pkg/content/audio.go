package content

import (
	"errors"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	errEmptyHTML         = errors.New("empty HTML content")
	errNoAudioLink       = errors.New("no audio link found in HTML")
	errFailedToParseHTML = errors.New("failed to parse HTML for audio link")
)

// FindAudioURL locates the episode audio file in an episode page.
//
// Candidates are ranked:
//  1. <audio src> and <audio><source src> elements
//  2. og:audio / twitter:player:stream meta tags
//  3. links whose path ends in a known audio extension
//
// The winner is resolved against pageURL when it is relative.
func FindAudioURL(html, pageURL string) (string, error) {
	html = strings.TrimSpace(html)
	if html == "" {
		return "", errEmptyHTML
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", errors.Join(errFailedToParseHTML, err)
	}

	var player, meta, links []string

	doc.Find("audio[src], audio source[src]").Each(func(_ int, sel *goquery.Selection) {
		if src := strings.TrimSpace(sel.AttrOr("src", "")); src != "" {
			player = append(player, src)
		}
	})

	doc.Find("meta[property='og:audio'], meta[property='og:audio:url'], meta[property='og:audio:secure_url'], meta[name='twitter:player:stream']").
		Each(func(_ int, sel *goquery.Selection) {
			if c := strings.TrimSpace(sel.AttrOr("content", "")); c != "" {
				meta = append(meta, c)
			}
		})

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href != "" && isAudioHref(href) {
			links = append(links, href)
		}
	})

	for _, group := range [][]string{player, meta, links} {
		if len(group) > 0 {
			return resolve(pageURL, group[0]), nil
		}
	}
	return "", errNoAudioLink
}

func isAudioHref(href string) bool {
	p := href
	if parsed, err := url.Parse(href); err == nil {
		p = parsed.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".mp3", ".m4a", ".aac", ".ogg", ".opus", ".wav":
		return true
	default:
		return false
	}
}

func resolve(base, ref string) string {
	if base == "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
