// Package plex implements the catalog capability against a Plex Media
// Server. Plex speaks XML over HTTP; pinning a collection maps to promoting
// its hub to the home screens, unpinning to demoting it.
package plex

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dynamix/internal/catalog"
	logx "dynamix/pkg/logx"
)

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration // per-request; 0 means default
	// RatePerSec bounds outbound requests so a reconciliation burst cannot
	// hammer the server. 0 means default.
	RatePerSec int
}

const (
	defaultTimeout = 15 * time.Second
	defaultRate    = 5
)

type Client struct {
	base  *url.URL
	token string
	hc    *http.Client
	lim   *rate.Limiter
	log   logx.Logger

	mu       sync.Mutex
	sections map[string]string // library name -> section key
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, fmt.Errorf("plex url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid plex url %q: %w", raw, err)
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("plex token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRate
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:     base,
		token:    cfg.Token,
		hc:       &http.Client{Timeout: timeout},
		lim:      rate.NewLimiter(rate.Limit(rps), rps),
		log:      log,
		sections: map[string]string{},
	}, nil
}

// ---- XML payloads (attribute subsets we actually read) ----

type mediaContainer struct {
	XMLName     xml.Name    `xml:"MediaContainer"`
	Directories []directory `xml:"Directory"`
	Hubs        []hub       `xml:"Hub"`
}

type directory struct {
	Key        string `xml:"key,attr"`
	RatingKey  string `xml:"ratingKey,attr"`
	Title      string `xml:"title,attr"`
	ChildCount int    `xml:"childCount,attr"`
}

type hub struct {
	MetadataItemID    string `xml:"metadataItemId,attr"`
	PromotedToOwnHome string `xml:"promotedToOwnHome,attr"`
}

// ---- Catalog implementation ----

var _ catalog.Catalog = (*Client)(nil)

func (c *Client) Collections(ctx context.Context, library string) ([]catalog.Collection, error) {
	key, err := c.sectionKey(ctx, library)
	if err != nil {
		return nil, err
	}

	var listing mediaContainer
	if err := c.get(ctx, fmt.Sprintf("/library/sections/%s/collections", key), &listing); err != nil {
		return nil, fmt.Errorf("list collections for %q: %w", library, err)
	}

	pinned, err := c.pinnedSet(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read pinned state for %q: %w", library, err)
	}

	out := make([]catalog.Collection, 0, len(listing.Directories))
	for _, d := range listing.Directories {
		if d.RatingKey == "" {
			continue
		}
		out = append(out, catalog.Collection{
			ID:      d.RatingKey,
			Title:   d.Title,
			Library: library,
			Items:   d.ChildCount,
			Pinned:  pinned[d.RatingKey],
		})
	}
	return out, nil
}

func (c *Client) Pin(ctx context.Context, library, id string) error {
	return c.promote(ctx, library, id, true)
}

func (c *Client) Unpin(ctx context.Context, library, id string) error {
	return c.promote(ctx, library, id, false)
}

func (c *Client) promote(ctx context.Context, library, id string, up bool) error {
	key, err := c.sectionKey(ctx, library)
	if err != nil {
		return err
	}
	flag := "0"
	if up {
		flag = "1"
	}
	q := url.Values{}
	q.Set("metadataItemId", id)
	q.Set("promotedToRecommended", flag)
	q.Set("promotedToOwnHome", flag)
	q.Set("promotedToSharedHome", flag)
	path := fmt.Sprintf("/hubs/sections/%s/manage?%s", key, q.Encode())
	if err := c.do(ctx, http.MethodPut, path, nil); err != nil {
		verb := "pin"
		if !up {
			verb = "unpin"
		}
		return fmt.Errorf("%s collection %s in %q: %w", verb, id, library, err)
	}
	return nil
}

// pinnedSet reads the library's managed hubs and returns the rating keys
// currently promoted to the owner's home screen.
func (c *Client) pinnedSet(ctx context.Context, sectionKey string) (map[string]bool, error) {
	var mc mediaContainer
	if err := c.get(ctx, fmt.Sprintf("/hubs/sections/%s/manage", sectionKey), &mc); err != nil {
		return nil, err
	}
	out := map[string]bool{}
	for _, h := range mc.Hubs {
		if h.MetadataItemID == "" {
			continue
		}
		if h.PromotedToOwnHome == "1" {
			out[h.MetadataItemID] = true
		}
	}
	return out, nil
}

// sectionKey resolves a library name to its section key, caching results.
// On a cache miss the section list is refetched once so freshly created
// libraries are picked up without a restart.
func (c *Client) sectionKey(ctx context.Context, library string) (string, error) {
	c.mu.Lock()
	key, ok := c.sections[library]
	c.mu.Unlock()
	if ok {
		return key, nil
	}

	var mc mediaContainer
	if err := c.get(ctx, "/library/sections", &mc); err != nil {
		return "", fmt.Errorf("list sections: %w", err)
	}

	c.mu.Lock()
	for _, d := range mc.Directories {
		if d.Key != "" && d.Title != "" {
			c.sections[d.Title] = d.Key
		}
	}
	key, ok = c.sections[library]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("library %q not found on server", library)
	}
	return key, nil
}

// ---- HTTP plumbing ----

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.request(ctx, http.MethodGet, path, out)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	return c.request(ctx, method, path, out)
}

func (c *Client) request(ctx context.Context, method, path string, out any) error {
	if err := c.lim.Wait(ctx); err != nil {
		return err
	}

	ref, err := url.Parse(path)
	if err != nil {
		return err
	}
	u := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Plex-Token", c.token)
	req.Header.Set("Accept", "application/xml")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused; body content is
		// not useful beyond diagnostics.
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, ref.Path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil
	}
	if err := xml.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", ref.Path, err)
	}
	return nil
}
