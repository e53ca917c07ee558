package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/engines"
)

const pageHTML = `<html><head>
<meta property="og:title" content="Widget Pro">
</head><body>
<h1 class="title">Widget Pro</h1>
<span class="price">$42.50</span>
</body></html>`

func TestFetchAndExtract_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(pageHTML))
	}))
	defer srv.Close()

	e := New(Config{})
	res, err := e.FetchAndExtract(context.Background(), engines.FetchInput{
		URL: srv.URL,
		Fields: []core.FieldMap{
			{Field: "title", Selector: core.SelectorSpec{CSS: ".title"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "Widget Pro", res.Records[0].Fields["title"])
	assert.Equal(t, core.EngineHTTP, res.Metadata.Kind)
	require.NotNil(t, res.Metadata.HTTP)
}

func TestFetchAndExtract_NonHTMLStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
	}))
	defer srv.Close()

	e := New(Config{})
	res, err := e.FetchAndExtract(context.Background(), engines.FetchInput{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Empty(t, res.Records)
}

func TestTier(t *testing.T) {
	e := New(Config{})
	assert.Equal(t, core.EngineHTTP, e.Tier())
}
