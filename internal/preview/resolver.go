// Package preview turns URLs found in message content into embed cards.
package preview

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/sync/errgroup"

	"pavilion/internal/models"
)

// Permissive on purpose: anything that looks like a link is a candidate,
// failed fetches get dropped later anyway.
var urlRegex = regexp.MustCompile(
	`https?://(www\.)?[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,63}\b([-a-zA-Z0-9()'@:%_+.~#?!&//=]*)`)

const cacheTTL = 10 * time.Minute

// ExtractURLs scans content for URLs, collapsing duplicates while keeping
// first-appearance order.
func ExtractURLs(content string) []string {
	matches := urlRegex.FindAllString(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		urls = append(urls, m)
	}
	return urls
}

// Resolver resolves link previews for message content. Individual URL
// failures are swallowed: a broken page must never block a message.
type Resolver struct {
	fetcher    Fetcher
	urlTimeout time.Duration
	budget     time.Duration
	cache      geche.Geche[string, models.Embed]
}

// NewResolver builds a resolver. The context bounds the lifetime of the
// embed cache's cleanup loop.
func NewResolver(ctx context.Context, fetcher Fetcher, urlTimeout, budget time.Duration) *Resolver {
	return &Resolver{
		fetcher:    fetcher,
		urlTimeout: urlTimeout,
		budget:     budget,
		cache:      geche.NewMapTTLCache[string, models.Embed](ctx, cacheTTL, time.Minute),
	}
}

// Resolve extracts URLs from content and fetches previews for all of them
// concurrently. The returned embeds follow first-seen URL order. Resolve
// never fails; the worst outcome is an empty list.
func (r *Resolver) Resolve(ctx context.Context, content string) []models.Embed {
	urls := ExtractURLs(content)
	if len(urls) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	results := make([]*models.Embed, len(urls))

	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			if embed, err := r.cache.Get(url); err == nil {
				results[i] = &embed
				return nil
			}

			fetchCtx, cancel := context.WithTimeout(ctx, r.urlTimeout)
			defer cancel()

			md, err := r.fetcher.Fetch(fetchCtx, url)
			if err != nil {
				// Isolation: one bad URL never fails the batch.
				return nil
			}

			embed := buildEmbed(md)
			r.cache.Set(url, embed)
			results[i] = &embed
			return nil
		})
	}
	_ = g.Wait()

	embeds := make([]models.Embed, 0, len(urls))
	for _, e := range results {
		if e != nil {
			embeds = append(embeds, *e)
		}
	}
	return embeds
}

func buildEmbed(md Metadata) models.Embed {
	embed := models.Embed{
		Title: md.Title,
		// Spaces become line breaks for rendering.
		Description: strings.ReplaceAll(md.Description, " ", "\n"),
		URL:         md.URL,
		Image:       md.Image,
		Author: models.EmbedAuthor{
			Name: strings.Split(md.SiteName, ",")[0],
			URL:  md.URL,
		},
	}

	if md.VideoSecureURL != "" {
		embed.Media = md.VideoSecureURL
	} else {
		embed.Media = md.VideoURL
	}

	// A root-relative favicon is unresolvable without the origin.
	if len(md.Favicons) > 0 && !strings.HasPrefix(md.Favicons[0], "/") {
		embed.Author.IconURL = md.Favicons[0]
	}

	// Spotify track pages embed better through the player URL than
	// through their og:video field.
	if strings.Contains(embed.URL, "spotify") && strings.Contains(embed.URL, "track") {
		if parts := strings.Split(embed.URL, "/"); len(parts) > 4 {
			embed.Media = "https://open.spotify.com/embed/track/" + parts[4]
		}
	}

	return embed
}
