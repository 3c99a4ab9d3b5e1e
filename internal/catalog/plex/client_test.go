package plex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	logx "dynamix/pkg/logx"
)

const (
	sectionsXML = `<?xml version="1.0" encoding="UTF-8"?>
<MediaContainer size="2">
  <Directory key="1" title="Movies" type="movie"/>
  <Directory key="2" title="Shows" type="show"/>
</MediaContainer>`

	collectionsXML = `<?xml version="1.0" encoding="UTF-8"?>
<MediaContainer size="3">
  <Directory ratingKey="101" key="/library/collections/101/children" title="80s Action" childCount="24"/>
  <Directory ratingKey="102" key="/library/collections/102/children" title="Noir" childCount="7"/>
  <Directory ratingKey="103" key="/library/collections/103/children" title="Shorts" childCount="2"/>
</MediaContainer>`

	manageXML = `<?xml version="1.0" encoding="UTF-8"?>
<MediaContainer size="3">
  <Hub metadataItemId="101" title="80s Action" promotedToOwnHome="1"/>
  <Hub metadataItemId="102" title="Noir" promotedToOwnHome="0"/>
  <Hub metadataItemId="103" title="Shorts"/>
</MediaContainer>`
)

// testServer mimics the handful of Plex endpoints the client touches and
// records every PUT it receives.
type testServer struct {
	*httptest.Server

	mu   sync.Mutex
	puts []url.Values

	sectionCalls int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Plex-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		switch {
		case r.URL.Path == "/library/sections":
			ts.mu.Lock()
			ts.sectionCalls++
			ts.mu.Unlock()
			_, _ = w.Write([]byte(sectionsXML))
		case r.URL.Path == "/library/sections/1/collections":
			_, _ = w.Write([]byte(collectionsXML))
		case r.URL.Path == "/hubs/sections/1/manage" && r.Method == http.MethodGet:
			_, _ = w.Write([]byte(manageXML))
		case r.URL.Path == "/hubs/sections/1/manage" && r.Method == http.MethodPut:
			ts.mu.Lock()
			ts.puts = append(ts.puts, r.URL.Query())
			ts.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, ts *testServer) *Client {
	t.Helper()
	c, err := New(Config{URL: ts.URL, Token: "secret", RatePerSec: 1000}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Token: "secret"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing url")
	}
	if _, err := New(Config{URL: "http://localhost:32400"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestCollectionsMergesPinnedState(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)

	cols, err := c.Collections(context.Background(), "Movies")
	if err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d collections, want 3", len(cols))
	}

	byID := map[string]int{}
	for i, col := range cols {
		byID[col.ID] = i
	}
	action := cols[byID["101"]]
	if action.Title != "80s Action" || action.Items != 24 || !action.Pinned {
		t.Fatalf("101 = %+v", action)
	}
	// promotedToOwnHome="0" and a missing attribute both mean not pinned.
	if cols[byID["102"]].Pinned || cols[byID["103"]].Pinned {
		t.Fatal("unpromoted hubs reported as pinned")
	}
	if cols[byID["102"]].Library != "Movies" {
		t.Fatalf("Library = %q", cols[byID["102"]].Library)
	}
}

func TestSectionKeyIsCached(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	ctx := context.Background()

	if _, err := c.Collections(ctx, "Movies"); err != nil {
		t.Fatalf("Collections: %v", err)
	}
	if _, err := c.Collections(ctx, "Movies"); err != nil {
		t.Fatalf("Collections: %v", err)
	}

	ts.mu.Lock()
	calls := ts.sectionCalls
	ts.mu.Unlock()
	if calls != 1 {
		t.Fatalf("section list fetched %d times, want 1", calls)
	}
}

func TestUnknownLibrary(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)

	if _, err := c.Collections(context.Background(), "Music"); err == nil {
		t.Fatal("expected error for unknown library")
	}
}

func TestPinAndUnpinQueryShape(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, ts)
	ctx := context.Background()

	if err := c.Pin(ctx, "Movies", "102"); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if err := c.Unpin(ctx, "Movies", "101"); err != nil {
		t.Fatalf("Unpin: %v", err)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.puts) != 2 {
		t.Fatalf("got %d PUTs, want 2", len(ts.puts))
	}

	pin := ts.puts[0]
	if pin.Get("metadataItemId") != "102" {
		t.Fatalf("pin metadataItemId = %q", pin.Get("metadataItemId"))
	}
	for _, p := range []string{"promotedToRecommended", "promotedToOwnHome", "promotedToSharedHome"} {
		if pin.Get(p) != "1" {
			t.Fatalf("pin %s = %q, want 1", p, pin.Get(p))
		}
	}

	unpin := ts.puts[1]
	if unpin.Get("metadataItemId") != "101" {
		t.Fatalf("unpin metadataItemId = %q", unpin.Get("metadataItemId"))
	}
	for _, p := range []string{"promotedToRecommended", "promotedToOwnHome", "promotedToSharedHome"} {
		if unpin.Get(p) != "0" {
			t.Fatalf("unpin %s = %q, want 0", p, unpin.Get(p))
		}
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	ts := newTestServer(t)
	c, err := New(Config{URL: ts.URL, Token: "wrong", RatePerSec: 1000}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Collections(context.Background(), "Movies"); err == nil {
		t.Fatal("expected error for rejected token")
	}
}
