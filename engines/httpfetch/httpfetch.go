// Package httpfetch implements the T1 extraction tier: a plain HTTP
// client over goquery's parsed DOM. It is the cheapest, fastest tier
// and the planner's default starting point (spec.md §4.4).
package httpfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/engines"
	"github.com/corvid-labs/harvest/engines/extract"
)

// DefaultTimeout is T1's per-attempt bound (spec.md §5).
const DefaultTimeout = 20 * time.Second

// defaultRateLimit paces requests per (domain,engine) beneath whatever
// signal the Block Classifier watches for — conservative but not so
// slow it dominates attempt latency in tests.
const defaultRateLimit = rate.Limit(2) // 2 req/s sustained
const defaultBurst = 3

// Config configures an Engine instance.
type Config struct {
	Client      *http.Client
	RateLimit   rate.Limit
	Burst       int
	UserAgent   string
}

// Engine is the T1 extraction tier.
type Engine struct {
	client    *http.Client
	userAgent string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateLim  rate.Limit
	burst    int
}

// New builds a T1 Engine. A zero-value Config uses sane defaults.
func New(cfg Config) *Engine {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	rl := cfg.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = defaultBurst
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (compatible; harvestd/1.0)"
	}
	return &Engine{client: client, userAgent: ua, limiters: make(map[string]*rate.Limiter), rateLim: rl, burst: burst}
}

func init() {
	engines.RegisterDefault(engines.Factory{
		Name: "httpfetch",
		Tier: core.EngineHTTP,
		Create: func(cfg interface{}) (engines.Engine, error) {
			c, _ := cfg.(Config)
			return New(c), nil
		},
	})
}

// Tier identifies this engine as T1.
func (e *Engine) Tier() core.EngineKind { return core.EngineHTTP }

func (e *Engine) limiterFor(domain string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[domain]
	if !ok {
		l = rate.NewLimiter(e.rateLim, e.burst)
		e.limiters[domain] = l
	}
	return l
}

// FetchAndExtract performs single-page or list-mode fetch+extract, per
// spec.md §4.5.
func (e *Engine) FetchAndExtract(ctx context.Context, in engines.FetchInput) (engines.FetchResult, error) {
	if in.List != nil {
		return e.fetchList(ctx, in)
	}
	return e.fetchOne(ctx, in.URL, in.Fields)
}

func (e *Engine) fetchOne(ctx context.Context, target string, fields []core.FieldMap) (engines.FetchResult, error) {
	u, err := url.Parse(target)
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("httpfetch: parsing url %q: %w", target, err)
	}
	if err := e.limiterFor(u.Hostname()).Wait(ctx); err != nil {
		return engines.FetchResult{}, fmt.Errorf("httpfetch: rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("httpfetch: building request: %w", err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	redirects := 0
	client := *e.client
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		redirects = len(via)
		return nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("httpfetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("httpfetch: reading body: %w", err)
	}

	decoded, declaredCharset, err := decodeBody(body, resp.Header.Get("Content-Type"))
	if err != nil {
		decoded = string(body)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(decoded)))
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("httpfetch: parsing html: %w", err)
	}

	outcome := extract.BuildRecord("", doc.Selection, fields, decoded)

	result := engines.FetchResult{
		Records:    nil,
		StatusCode: resp.StatusCode,
		BodySize:   len(body),
		Body:       decoded,
		Signals:    outcome.Signals,
		Metadata: core.EngineMetadata{
			Kind: core.EngineHTTP,
			HTTP: &core.HTTPMeta{
				FinalURL:      resp.Request.URL.String(),
				RedirectCount: redirects,
				ContentType:   resp.Header.Get("Content-Type"),
				Charset:       declaredCharset,
			},
		},
	}
	if outcome.ExtractedFields > 0 || len(outcome.Record.Fields) > 0 {
		result.Records = []core.Record{outcome.Record}
	}
	return result, nil
}

func (e *Engine) fetchList(ctx context.Context, in engines.FetchInput) (engines.FetchResult, error) {
	lc := in.List
	listing, err := e.fetchOne(ctx, in.URL, nil)
	if err != nil {
		return engines.FetchResult{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(listing.Body)))
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("httpfetch: parsing listing html: %w", err)
	}
	base, _ := url.Parse(in.URL)

	itemURLs := resolveItemLinks(doc.Selection, lc.ItemLinksSelector, base)
	itemURLs = dedupePreserveOrder(itemURLs)

	maxItems := lc.MaxItems
	if maxItems <= 0 || maxItems > len(itemURLs) {
		maxItems = len(itemURLs)
	}

	var records []core.Record
	var signals []string
	for i := 0; i < maxItems; i++ {
		item, err := e.fetchOne(ctx, itemURLs[i], in.Fields)
		if err != nil {
			signals = append(signals, "list-item-error:"+itemURLs[i])
			continue
		}
		records = append(records, item.Records...)
		signals = append(signals, item.Signals...)
	}

	pages := 1
	nextURL, hasNext := nextPageURL(doc.Selection, lc.PaginationSelector, base)
	for hasNext && lc.MaxPages > 0 && pages < lc.MaxPages {
		next, err := e.fetchOne(ctx, nextURL, nil)
		if err != nil {
			break
		}
		nextDoc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(next.Body)))
		if err != nil {
			break
		}
		pages++

		more := resolveItemLinks(nextDoc.Selection, lc.ItemLinksSelector, base)
		more = dedupePreserveOrder(more)
		remaining := lc.MaxItems - len(itemURLs)
		if lc.MaxItems > 0 && remaining <= 0 {
			break
		}
		for _, u := range more {
			if lc.MaxItems > 0 && len(itemURLs) >= lc.MaxItems {
				break
			}
			itemURLs = append(itemURLs, u)
			item, err := e.fetchOne(ctx, u, in.Fields)
			if err != nil {
				signals = append(signals, "list-item-error:"+u)
				continue
			}
			records = append(records, item.Records...)
			signals = append(signals, item.Signals...)
		}

		nextURL, hasNext = nextPageURL(nextDoc.Selection, lc.PaginationSelector, base)
		base, _ = url.Parse(nextURL)
	}

	return engines.FetchResult{
		Records:    records,
		StatusCode: listing.StatusCode,
		BodySize:   listing.BodySize,
		Body:       listing.Body,
		Signals:    signals,
		Metadata:   listing.Metadata,
	}, nil
}

func resolveItemLinks(root *goquery.Selection, spec core.SelectorSpec, base *url.URL) []string {
	var out []string
	root.Find(spec.CSS).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		resolved := resolveHref(base, href)
		if resolved != "" {
			out = append(out, resolved)
		}
	})
	return out
}

func nextPageURL(root *goquery.Selection, spec *core.SelectorSpec, base *url.URL) (string, bool) {
	if spec == nil {
		return "", false
	}
	sel := root.Find(spec.CSS).First()
	if sel.Length() == 0 {
		return "", false
	}
	href, ok := sel.Attr("href")
	if !ok {
		return "", false
	}
	resolved := resolveHref(base, href)
	return resolved, resolved != ""
}

func resolveHref(base *url.URL, href string) string {
	if base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func dedupePreserveOrder(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func decodeBody(body []byte, contentType string) (string, string, error) {
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", "", err
	}
	return string(decoded), name, nil
}
