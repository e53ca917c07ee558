package main

import (
	"net/http"

	"github.com/corvid-labs/harvest/core"
	"github.com/corvid-labs/harvest/engines"
	"github.com/corvid-labs/harvest/engines/browser"
	"github.com/corvid-labs/harvest/engines/httpfetch"
	"github.com/corvid-labs/harvest/engines/provider"
)

// httpfetchEngine builds the T1 tier from the worker's HTTPConfig.
func httpfetchEngine(cfg *core.Config) engines.Engine {
	return httpfetch.New(httpfetch.Config{
		Client:    &http.Client{Timeout: cfg.HTTP.FetchTimeout},
		UserAgent: cfg.HTTP.UserAgent,
	})
}

// browserEngine builds the T2 tier from the worker's BrowserConfig.
func browserEngine(cfg *core.Config) engines.Engine {
	return browser.New(browser.Config{
		Headless: !cfg.Development.Enabled,
	})
}

// providerEngine builds the T3 tier from the worker's ProviderConfig.
func providerEngine(cfg *core.Config) engines.Engine {
	return provider.New(provider.Config{
		BaseURL:      cfg.Provider.BaseURL,
		APIKeys:      cfg.Provider.APIKeys,
		Country:      cfg.Provider.Country,
		Client:       &http.Client{Timeout: cfg.Provider.Timeout},
		CreditsLimit: 0,
	})
}
