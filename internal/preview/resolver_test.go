package preview

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeFetcher struct {
	pages map[string]Metadata
	delay map[string]time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (Metadata, error) {
	if d, ok := f.delay[url]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return Metadata{}, ctx.Err()
		}
	}
	md, ok := f.pages[url]
	if !ok {
		return Metadata{}, errors.New("no such page")
	}
	return md, nil
}

func TestExtractURLs(t *testing.T) {
	content := "check https://example.com/a and http://other.org, also https://example.com/a again"
	urls := ExtractURLs(content)
	if len(urls) != 2 {
		t.Fatalf("expected 2 unique urls, got %d: %v", len(urls), urls)
	}
	if urls[0] != "https://example.com/a" {
		t.Errorf("expected first-seen order, got %v", urls)
	}
}

func TestExtractURLsEmpty(t *testing.T) {
	if urls := ExtractURLs("no links here"); urls != nil {
		t.Errorf("expected nil, got %v", urls)
	}
}

func TestResolveOrderAndMapping(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]Metadata{
		"https://a.example.com": {
			Title:       "Page A",
			Description: "hello wide world",
			URL:         "https://a.example.com/canonical",
			Image:       "https://a.example.com/img.png",
			SiteName:    "Example, Inc",
			Favicons:    []string{"https://a.example.com/favicon.ico"},
		},
		"https://b.example.com": {
			Title:          "Page B",
			URL:            "https://b.example.com",
			VideoURL:       "http://b.example.com/video.mp4",
			VideoSecureURL: "https://b.example.com/video.mp4",
			Favicons:       []string{"/favicon.ico"},
		},
	}}

	r := NewResolver(t.Context(), fetcher, time.Second, 2*time.Second)
	embeds := r.Resolve(t.Context(), "see https://a.example.com then https://b.example.com")

	if len(embeds) != 2 {
		t.Fatalf("expected 2 embeds, got %d", len(embeds))
	}

	a := embeds[0]
	if a.Title != "Page A" {
		t.Errorf("expected first-seen order preserved, got %q first", a.Title)
	}
	if a.Description != "hello\nwide\nworld" {
		t.Errorf("expected spaces replaced with newlines, got %q", a.Description)
	}
	if a.Author.Name != "Example" {
		t.Errorf("expected first comma segment of site name, got %q", a.Author.Name)
	}
	if a.Author.IconURL != "https://a.example.com/favicon.ico" {
		t.Errorf("expected absolute favicon kept, got %q", a.Author.IconURL)
	}

	b := embeds[1]
	if b.Media != "https://b.example.com/video.mp4" {
		t.Errorf("expected secure video url preferred, got %q", b.Media)
	}
	if b.Author.IconURL != "" {
		t.Errorf("expected root-relative favicon suppressed, got %q", b.Author.IconURL)
	}
}

func TestResolveFailureIsolation(t *testing.T) {
	fetcher := &fakeFetcher{
		pages: map[string]Metadata{
			"https://fast.example.com": {Title: "Fast", URL: "https://fast.example.com"},
		},
		delay: map[string]time.Duration{
			"https://slow.example.com": time.Minute,
		},
	}

	r := NewResolver(t.Context(), fetcher, 50*time.Millisecond, 200*time.Millisecond)

	start := time.Now()
	embeds := r.Resolve(t.Context(), "https://fast.example.com https://slow.example.com")
	elapsed := time.Since(start)

	if len(embeds) != 1 {
		t.Fatalf("expected exactly one embed, got %d", len(embeds))
	}
	if embeds[0].Title != "Fast" {
		t.Errorf("expected the resolvable url to survive, got %q", embeds[0].Title)
	}
	if elapsed > time.Second {
		t.Errorf("resolution was not bounded by the timeout, took %v", elapsed)
	}
}

func TestResolveSpotifyTrack(t *testing.T) {
	url := "https://open.spotify.com/track/abc123"
	fetcher := &fakeFetcher{pages: map[string]Metadata{
		url: {Title: "Song", URL: url, VideoSecureURL: "https://video.example.com"},
	}}

	r := NewResolver(t.Context(), fetcher, time.Second, time.Second)
	embeds := r.Resolve(t.Context(), "listen "+url)

	if len(embeds) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(embeds))
	}
	if embeds[0].Media != "https://open.spotify.com/embed/track/abc123" {
		t.Errorf("expected synthesized player url, got %q", embeds[0].Media)
	}
}

func TestResolveCachesEmbeds(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]Metadata{
		"https://a.example.com": {Title: "Cached", URL: "https://a.example.com"},
	}}

	r := NewResolver(t.Context(), fetcher, time.Second, time.Second)
	if got := r.Resolve(t.Context(), "https://a.example.com"); len(got) != 1 {
		t.Fatalf("expected 1 embed, got %d", len(got))
	}

	// Second resolve should hit the cache even if the page disappears.
	fetcher.pages = map[string]Metadata{}
	got := r.Resolve(t.Context(), "https://a.example.com")
	if len(got) != 1 || got[0].Title != "Cached" {
		t.Errorf("expected cached embed, got %v", got)
	}
}
