package amazon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	logx "pricebot/pkg/logx"
)

// scrapeBodyLimit caps how much of a product page we read. Amazon pages are
// large but the price block sits well within the first couple megabytes.
const scrapeBodyLimit = 4 << 20

// Header sets rotate together per request. Amazon's soft blocking keys on
// repeated identical fingerprints, not on any one header.
var scrapeUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

var scrapeReferers = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
	"",
}

// Body markers that mean we hit the robot wall rather than a product page.
var captchaMarkers = []string{
	"/errors/validatecaptcha",
	"api-services-support@amazon.com",
	"enter the characters you see below",
	"robot check",
}

// Selector lists are ordered by how often each layout appears; extraction
// stops at the first hit. These drift with Amazon's page changes, so a miss
// degrades to a nil price, never an error.
var (
	mainPriceContainers = []string{
		"#corePriceDisplay_desktop_feature_div",
		"#corePrice_feature_div",
		"#corePrice_desktop",
		"#apex_desktop",
	}
	legacyPriceSelectors = []string{
		"#priceblock_ourprice",
		"#priceblock_dealprice",
		"#priceblock_saleprice",
	}
	titleSelectors = []string{
		"#productTitle",
		"#title span",
		"h1.a-size-large",
		"h1 span",
	}
	availabilitySelectors = []string{
		"#availability span",
		"#availability",
		"#outOfStock",
		".a-color-state",
	}
	// Ancestor markers that flag cross-sell widgets; prices under these are
	// never the product's own price.
	excludedAncestorMarkers = []string{
		"sponsored",
		"carousel",
		"bundle",
		"accessor",
		"sims",
	}
)

var acceptLanguages = map[string]string{
	"IT": "it-IT,it;q=0.9,en-US;q=0.8,en;q=0.7",
	"DE": "de-DE,de;q=0.9,en-US;q=0.8,en;q=0.7",
	"FR": "fr-FR,fr;q=0.9,en-US;q=0.8,en;q=0.7",
	"ES": "es-ES,es;q=0.9,en-US;q=0.8,en;q=0.7",
	"JP": "ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7",
}

type ScrapeConfig struct {
	Region string

	// BaseURL overrides https://www.<region domain> (tests).
	BaseURL string

	// BaseDelay is the courtesy gap between page fetches; the actual wait is
	// BaseDelay times a random multiplier in [1.0, 1.5). Default 3s.
	BaseDelay time.Duration
	// Timeout bounds one HTTP round trip. Default 15s.
	Timeout time.Duration
}

// ScrapeSource fetches snapshots by parsing the public product page. It is
// the fallback when PA-API credentials are absent or rejected.
type ScrapeSource struct {
	cfg    ScrapeConfig
	region Region
	base   string
	http   *http.Client
	log    logx.Logger

	mu       sync.Mutex
	lastCall time.Time
	reqSeq   int
	warmed   bool
}

func NewScrapeSource(cfg ScrapeConfig, log logx.Logger) *ScrapeSource {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 3 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	region := RegionByCode(cfg.Region)
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://www." + region.Domain
	}

	// Cookie jar keeps the session sticky across requests, which Amazon
	// expects from a real browser.
	jar, _ := cookiejar.New(nil)

	return &ScrapeSource{
		cfg:    cfg,
		region: region,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout, Jar: jar},
		log:    log.With(logx.String("source", "scrape")),
	}
}

func (s *ScrapeSource) Name() string { return "scrape" }

func (s *ScrapeSource) Fetch(ctx context.Context, asin ASIN) (*Snapshot, error) {
	if !asin.Valid() {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNotFound, Err: errors.New("malformed asin")}
	}

	s.mu.Lock()
	last := s.lastCall
	seq := s.reqSeq
	s.reqSeq++
	s.mu.Unlock()

	if err := waitSince(ctx, last, jitterDelay(s.cfg.BaseDelay, rand.Float64())); err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: err}
	}
	s.mu.Lock()
	s.lastCall = time.Now()
	s.mu.Unlock()

	s.warmUp(ctx, seq)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/dp/"+string(asin), nil)
	if err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: err}
	}
	s.setBrowserHeaders(req, seq)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, scrapeBodyLimit))
	if err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: err}
	}

	// The robot wall can come back with 200 or 503; the body tells.
	if isCaptchaPage(body) {
		return nil, &FetchError{ASIN: asin, Reason: ReasonBlocked, Err: errors.New("robot check page")}
	}

	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return nil, &FetchError{ASIN: asin, Reason: ReasonNotFound, Err: fmt.Errorf("status %d", code)}
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return nil, &FetchError{ASIN: asin, Reason: ReasonRateLimited, Err: fmt.Errorf("status %d", code)}
	case code != http.StatusOK:
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: fmt.Errorf("status %d", code)}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNoPrice, Err: fmt.Errorf("parse: %w", err)}
	}

	snap := &Snapshot{
		ASIN:         asin,
		Title:        firstText(doc, titleSelectors),
		Currency:     s.region.Currency,
		Availability: firstText(doc, availabilitySelectors),
		URL:          ProductURL(s.region, asin),
		CheckedAt:    time.Now(),
	}
	if price, ok := extractPagePrice(doc); ok {
		snap.Price = floatPtr(price)
	}

	if !snap.HasPrice() {
		return snap, &FetchError{ASIN: asin, Reason: ReasonNoPrice, Err: errors.New("no price on page")}
	}
	return snap, nil
}

// warmUp hits the storefront root once to pick up baseline cookies. Best
// effort: a failed warm-up only means the first product fetch looks colder.
func (s *ScrapeSource) warmUp(ctx context.Context, seq int) {
	s.mu.Lock()
	if s.warmed {
		s.mu.Unlock()
		return
	}
	s.warmed = true
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/", nil)
	if err != nil {
		return
	}
	s.setBrowserHeaders(req, seq)
	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Debug("warm-up request failed", logx.Err(err))
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, scrapeBodyLimit))
	_ = resp.Body.Close()
}

func (s *ScrapeSource) setBrowserHeaders(req *http.Request, seq int) {
	req.Header.Set("User-Agent", scrapeUserAgents[seq%len(scrapeUserAgents)])
	if ref := scrapeReferers[seq%len(scrapeReferers)]; ref != "" {
		req.Header.Set("Referer", ref)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	lang := acceptLanguages[s.region.Code]
	if lang == "" {
		lang = "en-US,en;q=0.9"
	}
	req.Header.Set("Accept-Language", lang)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

// jitterDelay spreads base by a multiplier in [1.0, 1.5) driven by f in [0,1).
func jitterDelay(base time.Duration, f float64) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(f*0.5*float64(base))
}

func isCaptchaPage(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range captchaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// extractPagePrice walks the layered strategy: known main-price containers
// first (offscreen text, then whole+fraction composition), legacy price ids
// next, and finally a guarded scan of all generic price nodes.
func extractPagePrice(doc *goquery.Document) (float64, bool) {
	for _, container := range mainPriceContainers {
		cont := doc.Find(container).First()
		if cont.Length() == 0 {
			continue
		}
		if text := strings.TrimSpace(cont.Find(".a-price .a-offscreen").First().Text()); text != "" {
			if price, ok := ParsePrice(text); ok {
				return price, true
			}
		}
		if price, ok := composeWholeFraction(cont); ok {
			return price, true
		}
	}

	for _, sel := range legacyPriceSelectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			if price, ok := ParsePrice(text); ok {
				return price, true
			}
		}
	}

	// Generic scan: any offscreen price anywhere, except under cross-sell
	// widgets (sponsored rows, carousels, bundles, accessory strips).
	var found float64
	var ok bool
	doc.Find(".a-price .a-offscreen").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if underExcludedBlock(sel) {
			return true
		}
		if price, good := ParsePrice(strings.TrimSpace(sel.Text())); good {
			found, ok = price, true
			return false
		}
		return true
	})
	return found, ok
}

func composeWholeFraction(root *goquery.Selection) (float64, bool) {
	whole := strings.TrimSpace(root.Find(".a-price-whole").First().Text())
	fraction := strings.TrimSpace(root.Find(".a-price-fraction").First().Text())
	if whole == "" || fraction == "" {
		return 0, false
	}
	whole = strings.NewReplacer(".", "", ",", "").Replace(whole)
	return composeParts(whole, fraction)
}

func underExcludedBlock(sel *goquery.Selection) bool {
	excluded := false
	sel.Parents().EachWithBreak(func(_ int, parent *goquery.Selection) bool {
		class, _ := parent.Attr("class")
		id, _ := parent.Attr("id")
		hay := strings.ToLower(class + " " + id)
		for _, marker := range excludedAncestorMarkers {
			if strings.Contains(hay, marker) {
				excluded = true
				return false
			}
		}
		return true
	})
	return excluded
}

func firstText(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}
