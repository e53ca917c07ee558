// Package provider implements the T3 extraction tier: a thin client
// against a configurable commercial fetch-as-a-service endpoint, used
// only once T1 and T2 are both exhausted (spec.md §4.4/§4.5). Credits
// are metered per API key via core.APIKeyUsage; a depleted key is
// deactivated rather than retried.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/engines"
	"github.com/corvid-labs/harvest/engines/extract"
)

// DefaultTimeout bounds one provider call (spec.md §5).
const DefaultTimeout = 60 * time.Second

// Config configures an Engine instance.
type Config struct {
	BaseURL      string
	APIKeys      []string
	CreditsLimit int // per key, 0 = unlimited
	Country      string
	Client       *http.Client
}

// Engine is the T3 extraction tier.
type Engine struct {
	baseURL string
	country string
	client  *http.Client

	mu   sync.Mutex
	keys []core.APIKeyUsage
	next int
}

// New builds a T3 Engine from a pool of API keys.
func New(cfg Config) *Engine {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	country := cfg.Country
	if country == "" {
		country = "us"
	}
	keys := make([]core.APIKeyUsage, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, core.APIKeyUsage{Key: k, CreditsLimit: cfg.CreditsLimit, Active: true})
	}
	return &Engine{baseURL: cfg.BaseURL, country: country, client: client, keys: keys}
}

func init() {
	engines.RegisterDefault(engines.Factory{
		Name: "provider",
		Tier: core.EngineProvider,
		Create: func(cfg interface{}) (engines.Engine, error) {
			c, _ := cfg.(Config)
			return New(c), nil
		},
	})
}

// Tier identifies this engine as T3.
func (e *Engine) Tier() core.EngineKind { return core.EngineProvider }

// nextKey round-robins over active keys with remaining budget.
// Returns ("", false) when the whole pool is depleted — the caller
// should treat this like core.ErrProviderDepleted.
func (e *Engine) nextKey() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.keys) == 0 {
		return "", false
	}
	for i := 0; i < len(e.keys); i++ {
		idx := (e.next + i) % len(e.keys)
		if e.keys[idx].HasBudget() {
			e.next = (idx + 1) % len(e.keys)
			return e.keys[idx].Key, true
		}
	}
	return "", false
}

func (e *Engine) spend(key string, credits int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.keys {
		if e.keys[i].Key != key {
			continue
		}
		e.keys[i].CreditsUsed += credits
		if !e.keys[i].HasBudget() {
			e.keys[i].Active = false
		}
		return
	}
}

// Stats returns a snapshot of the key pool for observability.
func (e *Engine) Stats() []core.APIKeyUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.APIKeyUsage, len(e.keys))
	copy(out, e.keys)
	return out
}

type providerRequest struct {
	URL          string `json:"url"`
	RenderJS     bool   `json:"render_js"`
	PremiumProxy bool   `json:"premium_proxy"`
	Country      string `json:"country"`
}

type providerResponse struct {
	StatusCode int    `json:"status_code"`
	HTML       string `json:"html"`
	CreditsUsed int   `json:"credits_used"`
}

// FetchAndExtract calls the provider once for in.URL. In list mode it
// fetches the listing page, then makes one credit-metered call per item
// href (up to MaxItems) exactly as the href appears in the page: hrefs
// are not resolved against the listing URL, duplicates are not
// removed, and pagination links are not followed.
func (e *Engine) FetchAndExtract(ctx context.Context, in engines.FetchInput) (engines.FetchResult, error) {
	if in.List != nil {
		return e.fetchList(ctx, in)
	}
	return e.fetchOne(ctx, in.URL, in.Fields)
}

func (e *Engine) fetchOne(ctx context.Context, target string, fields []core.FieldMap) (engines.FetchResult, error) {
	key, ok := e.nextKey()
	if !ok {
		return engines.FetchResult{}, core.ErrProviderDepleted
	}

	reqBody, err := json.Marshal(providerRequest{
		URL:          target,
		RenderJS:     true,
		PremiumProxy: true,
		Country:      e.country,
	})
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("provider: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/fetch", bytes.NewReader(reqBody))
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("provider: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("provider: reading response: %w", err)
	}

	var parsed providerResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return engines.FetchResult{}, fmt.Errorf("provider: decoding response: %w", err)
	}
	if parsed.CreditsUsed == 0 {
		parsed.CreditsUsed = 1
	}
	e.spend(key, parsed.CreditsUsed)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(parsed.HTML)))
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("provider: parsing html: %w", err)
	}
	outcome := extract.BuildRecord("", doc.Selection, fields, parsed.HTML)

	result := engines.FetchResult{
		StatusCode: parsed.StatusCode,
		BodySize:   len(parsed.HTML),
		Body:       parsed.HTML,
		Signals:    outcome.Signals,
		Metadata: core.EngineMetadata{
			Kind: core.EngineProvider,
			Provider: &core.ProviderMeta{
				CreditsUsed: parsed.CreditsUsed,
				RenderJS:    true,
				Country:     e.country,
			},
		},
	}
	if len(outcome.Record.Fields) > 0 {
		result.Records = []core.Record{outcome.Record}
	}
	return result, nil
}

func (e *Engine) fetchList(ctx context.Context, in engines.FetchInput) (engines.FetchResult, error) {
	listing, err := e.fetchOne(ctx, in.URL, nil)
	if err != nil {
		return engines.FetchResult{}, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader([]byte(listing.Body)))
	if err != nil {
		return engines.FetchResult{}, fmt.Errorf("provider: parsing listing html: %w", err)
	}

	lc := in.List
	var itemURLs []string
	doc.Find(lc.ItemLinksSelector.CSS).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			itemURLs = append(itemURLs, href)
		}
	})
	if lc.MaxItems > 0 && lc.MaxItems < len(itemURLs) {
		itemURLs = itemURLs[:lc.MaxItems]
	}

	var records []core.Record
	var signals []string
	for _, u := range itemURLs {
		item, err := e.fetchOne(ctx, u, in.Fields)
		if err != nil {
			signals = append(signals, "list-item-error:"+u)
			continue
		}
		records = append(records, item.Records...)
		signals = append(signals, item.Signals...)
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
