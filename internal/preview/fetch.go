package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

// Metadata is the page metadata extracted from one URL.
type Metadata struct {
	Title          string
	Description    string
	URL            string
	Image          string
	SiteName       string
	VideoURL       string
	VideoSecureURL string
	Favicons       []string
}

// Fetcher retrieves page metadata for a URL. Implementations must honor
// the context deadline.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Metadata, error)
}

const maxBodyBytes = 1 << 20 // pages are read at most this far

// HTTPFetcher fetches a page over HTTP and extracts OpenGraph tags and
// favicon links from its head.
type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.Client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	md := parseMetadata(io.LimitReader(resp.Body, maxBodyBytes))
	if md.URL == "" {
		md.URL = url
	}
	return md, nil
}

func parseMetadata(r io.Reader) Metadata {
	var md Metadata
	z := html.NewTokenizer(r)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return md
		case html.EndTagToken:
			name, _ := z.TagName()
			// Everything of interest lives in the head.
			if string(name) == "head" {
				return md
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if !hasAttr {
				continue
			}
			switch string(name) {
			case "meta":
				applyMeta(&md, attrs(z))
			case "link":
				a := attrs(z)
				if strings.Contains(a["rel"], "icon") && a["href"] != "" {
					md.Favicons = append(md.Favicons, a["href"])
				}
			}
		}
	}
}

func attrs(z *html.Tokenizer) map[string]string {
	out := make(map[string]string, 4)
	for {
		k, v, more := z.TagAttr()
		out[string(k)] = string(v)
		if !more {
			return out
		}
	}
}

func applyMeta(md *Metadata, a map[string]string) {
	prop := a["property"]
	if prop == "" {
		prop = a["name"]
	}
	content := a["content"]
	if content == "" {
		return
	}

	switch prop {
	case "og:title":
		md.Title = content
	case "og:description", "description":
		if md.Description == "" || strings.HasPrefix(prop, "og:") {
			md.Description = content
		}
	case "og:url":
		md.URL = content
	case "og:image":
		if md.Image == "" {
			md.Image = content
		}
	case "og:site_name":
		md.SiteName = content
	case "og:video:url":
		md.VideoURL = content
	case "og:video:secure_url":
		md.VideoSecureURL = content
	}
}
