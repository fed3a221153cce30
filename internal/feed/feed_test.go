package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/Harvey-AU/stealth-bee/internal/stealth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rssBody = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Listings</title>
<item><title>One</title><link>https://example.com/1</link></item>
<item><title>Two</title><link>https://example.com/2</link></item>
</channel></rss>`

const atomBody = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"><title>Listings</title>
<entry><title>One</title></entry>
</feed>`

func feedServer(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestFetchRSS(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		wantErr     bool
	}{
		{name: "rss items", status: 200, contentType: "application/rss+xml", body: rssBody},
		{name: "atom entries", status: 200, contentType: "application/atom+xml", body: atomBody},
		{name: "empty channel", status: 200, contentType: "application/rss+xml", body: `<rss><channel></channel></rss>`, wantErr: true},
		{name: "error status passes through", status: 503, contentType: "text/html", body: "<html>Just a moment...</html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := feedServer(t, tt.status, tt.contentType, tt.body)
			f := New(nil, nil)

			site := fetch.SiteConfig{Name: "listings"}
			resp, err := f.Fetch(context.Background(), site, fetch.Fallback{Kind: fetch.FallbackRSS, URL: ts.URL})
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.body, string(resp.Body))

			if tt.wantErr {
				var verr *fetch.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, "feed has no items", verr.Signal)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFetchRSSSendsFeedHeaders(t *testing.T) {
	var accept, ua string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept = r.Header.Get("Accept")
		ua = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssBody))
	}))
	defer ts.Close()

	cfg := DefaultConfig()
	cfg.UserAgent = "test-agent"
	_, err := New(cfg, nil).Fetch(context.Background(), fetch.SiteConfig{Name: "x"}, fetch.Fallback{URL: ts.URL})
	require.NoError(t, err)
	assert.Contains(t, accept, "application/rss+xml")
	assert.Equal(t, "test-agent", ua)
}

func TestFetchRSSConnectionError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := New(nil, nil).Fetch(context.Background(), fetch.SiteConfig{Name: "x"}, fetch.Fallback{URL: url})
	var nerr *fetch.NetworkError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "feed", nerr.Op)
}

func TestFetchRSSContextCancelled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(nil, nil).Fetch(ctx, fetch.SiteConfig{Name: "x"}, fetch.Fallback{URL: ts.URL})
	assert.True(t, fetch.IsTimeout(err))
}

type fakeAPI struct {
	resp *fetch.RawResponse
	err  error
	req  stealth.Request
}

func (a *fakeAPI) Do(_ context.Context, req stealth.Request) (*fetch.RawResponse, error) {
	a.req = req
	return a.resp, a.err
}

func TestFetchAPI(t *testing.T) {
	tests := []struct {
		name    string
		resp    *fetch.RawResponse
		err     error
		paths   []string
		wantSig string
		wantErr bool
	}{
		{
			name:  "paths present",
			resp:  &fetch.RawResponse{StatusCode: 200, Body: []byte(`{"data":{"items":[{"id":1}]}}`)},
			paths: []string{"data.items", "data.items.0.id"},
		},
		{
			name:    "missing path",
			resp:    &fetch.RawResponse{StatusCode: 200, Body: []byte(`{"data":{}}`)},
			paths:   []string{"data.items"},
			wantSig: "missing data.items",
		},
		{
			name:    "not json",
			resp:    &fetch.RawResponse{StatusCode: 200, Body: []byte(`<html>blocked</html>`)},
			wantSig: "api response is not json",
		},
		{
			name:  "error status is not validated",
			resp:  &fetch.RawResponse{StatusCode: 403, Body: []byte(`<html>denied</html>`)},
			paths: []string{"data"},
		},
		{
			name:    "transport error",
			err:     errors.New("reset"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{resp: tt.resp, err: tt.err}
			f := New(nil, api)

			fb := fetch.Fallback{Kind: fetch.FallbackAPI, URL: "https://api.example/items", JSONPaths: tt.paths}
			resp, err := f.Fetch(context.Background(), fetch.SiteConfig{Name: "shop"}, fb)

			assert.Equal(t, "https://api.example/items", api.req.URL)
			assert.Equal(t, "application/json", api.req.Headers["Accept"])

			switch {
			case tt.wantErr:
				require.Error(t, err)
			case tt.wantSig != "":
				var verr *fetch.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.wantSig, verr.Signal)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.resp, resp)
			}
		})
	}
}

func TestFetchAPIWithoutClient(t *testing.T) {
	_, err := New(nil, nil).Fetch(context.Background(), fetch.SiteConfig{}, fetch.Fallback{Kind: fetch.FallbackAPI, URL: "https://api.example"})
	assert.EqualError(t, err, "no api client configured")
}

func TestFetchUnknownKind(t *testing.T) {
	_, err := New(nil, nil).Fetch(context.Background(), fetch.SiteConfig{}, fetch.Fallback{Kind: "graphql", URL: "https://api.example"})
	assert.EqualError(t, err, `unknown fallback kind "graphql"`)
}
