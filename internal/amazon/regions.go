package amazon

import "strings"

// Region bundles the per-marketplace constants: the PA-API endpoint host,
// the marketplace id sent in GetItems requests, the storefront domain used
// for product links and scraping, and the marketplace currency.
type Region struct {
	Code          string
	Endpoint      string
	MarketplaceID string
	Domain        string
	Currency      string
}

var regions = map[string]Region{
	"IT": {Code: "IT", Endpoint: "webservices.amazon.it", MarketplaceID: "APJ6JRA9NG5V4", Domain: "amazon.it", Currency: "EUR"},
	"US": {Code: "US", Endpoint: "webservices.amazon.com", MarketplaceID: "ATVPDKIKX0DER", Domain: "amazon.com", Currency: "USD"},
	"UK": {Code: "UK", Endpoint: "webservices.amazon.co.uk", MarketplaceID: "A1F83G8C2ARO7P", Domain: "amazon.co.uk", Currency: "GBP"},
	"DE": {Code: "DE", Endpoint: "webservices.amazon.de", MarketplaceID: "A1PA6795UKMFR9", Domain: "amazon.de", Currency: "EUR"},
	"FR": {Code: "FR", Endpoint: "webservices.amazon.fr", MarketplaceID: "A13V1IB3VIYZZH", Domain: "amazon.fr", Currency: "EUR"},
	"ES": {Code: "ES", Endpoint: "webservices.amazon.es", MarketplaceID: "A1RKKUPIHCS9HS", Domain: "amazon.es", Currency: "EUR"},
	"CA": {Code: "CA", Endpoint: "webservices.amazon.ca", MarketplaceID: "A2EUQ1WTGCTBG2", Domain: "amazon.ca", Currency: "CAD"},
	"JP": {Code: "JP", Endpoint: "webservices.amazon.co.jp", MarketplaceID: "A1VC38T7YXB528", Domain: "amazon.co.jp", Currency: "JPY"},
	"AU": {Code: "AU", Endpoint: "webservices.amazon.com.au", MarketplaceID: "A39IBJ37TRP1C6", Domain: "amazon.com.au", Currency: "AUD"},
}

// RegionByCode resolves a marketplace by its two-letter code.
// Unknown codes fall back to IT, matching the product's home marketplace.
func RegionByCode(code string) Region {
	if r, ok := regions[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return r
	}
	return regions["IT"]
}

// KnownRegion reports whether code names a supported marketplace.
func KnownRegion(code string) bool {
	_, ok := regions[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}
