package amazon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	logx "pricebot/pkg/logx"
)

const getItemsPath = "/paapi5/getitems"

// getItemsResources is the fixed resource list we ask for: title, first
// listing price, availability message.
var getItemsResources = []string{
	"ItemInfo.Title",
	"Offers.Listings.Price",
	"Offers.Listings.Availability.Message",
}

type APIConfig struct {
	AccessKey  string
	SecretKey  string
	PartnerTag string
	Region     string

	// BaseURL overrides the regional endpoint (tests). Empty means
	// https://<region endpoint>.
	BaseURL string

	// MinInterval is the courtesy gap between calls. Default 1s.
	MinInterval time.Duration
	// Timeout bounds one HTTP round trip. Default 10s.
	Timeout time.Duration
}

// APISource fetches snapshots through PA-API 5.0 GetItems with SigV4-signed
// requests and a fixed minimum interval between calls.
type APISource struct {
	cfg    APIConfig
	region Region
	base   string
	host   string
	http   *resty.Client
	pace   *rate.Limiter
	log    logx.Logger
}

// NewAPISource validates credentials and builds the client. Missing
// credentials surface as ReasonUnsigned so the caller can fall back to
// scraping without special-casing.
func NewAPISource(cfg APIConfig, log logx.Logger) (*APISource, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.PartnerTag == "" {
		return nil, &FetchError{Reason: ReasonUnsigned, Err: errors.New("pa-api credentials not configured")}
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	region := RegionByCode(cfg.Region)
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://" + region.Endpoint
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("pa-api base url %q: invalid", base)
	}

	return &APISource{
		cfg:    cfg,
		region: region,
		base:   base,
		host:   u.Host,
		http:   resty.New().SetTimeout(cfg.Timeout),
		pace:   rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		log:    log.With(logx.String("source", "api")),
	}, nil
}

func (s *APISource) Name() string { return "api" }

type getItemsRequest struct {
	ItemIds     []string `json:"ItemIds"`
	Resources   []string `json:"Resources"`
	PartnerTag  string   `json:"PartnerTag"`
	PartnerType string   `json:"PartnerType"`
	Marketplace string   `json:"Marketplace"`
}

type getItemsResponse struct {
	Errors []struct {
		Code    string `json:"Code"`
		Message string `json:"Message"`
	} `json:"Errors"`
	ItemsResult struct {
		Items []apiItem `json:"Items"`
	} `json:"ItemsResult"`
}

type apiItem struct {
	ASIN     string `json:"ASIN"`
	ItemInfo struct {
		Title struct {
			DisplayValue string `json:"DisplayValue"`
		} `json:"Title"`
	} `json:"ItemInfo"`
	Offers struct {
		Listings []struct {
			Price struct {
				Amount   float64 `json:"Amount"`
				Currency string `json:"Currency"`
			} `json:"Price"`
			Availability struct {
				Message string `json:"Message"`
			} `json:"Availability"`
		} `json:"Listings"`
	} `json:"Offers"`
}

func (s *APISource) Fetch(ctx context.Context, asin ASIN) (*Snapshot, error) {
	if !asin.Valid() {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNotFound, Err: errors.New("malformed asin")}
	}

	if err := s.pace.Wait(ctx); err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: err}
	}

	// Sign the exact bytes that go on the wire.
	body, err := json.Marshal(getItemsRequest{
		ItemIds:     []string{string(asin)},
		Resources:   getItemsResources,
		PartnerTag:  s.cfg.PartnerTag,
		PartnerType: "Associates",
		Marketplace: s.region.MarketplaceID,
	})
	if err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNoPrice, Err: err}
	}

	authorization, amzDate := signRequest(
		s.cfg.AccessKey, s.cfg.SecretKey, s.region.Code,
		"POST", s.host, getItemsPath, body, time.Now(),
	)

	s.log.Trace("getitems request", logx.String("asin", string(asin)), logx.String("host", s.host))

	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetHeader("Content-Encoding", "amz-1.0").
		SetHeader("X-Amz-Date", amzDate).
		SetHeader("Authorization", authorization).
		SetBody(body).
		Post(s.base + getItemsPath)
	if err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: err}
	}

	switch code := resp.StatusCode(); {
	case code == 401 || code == 403:
		return nil, &FetchError{ASIN: asin, Reason: ReasonUnsigned, Err: fmt.Errorf("status %d", code)}
	case code == 404:
		return nil, &FetchError{ASIN: asin, Reason: ReasonNotFound, Err: fmt.Errorf("status %d", code)}
	case code == 429:
		return nil, &FetchError{ASIN: asin, Reason: ReasonRateLimited, Err: fmt.Errorf("status %d", code)}
	case code >= 500:
		return nil, &FetchError{ASIN: asin, Reason: ReasonNetwork, Err: fmt.Errorf("status %d", code)}
	}

	var out getItemsResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNoPrice, Err: fmt.Errorf("decode: %w", err)}
	}

	// An Errors array short-circuits the whole response, even alongside a
	// 200 status.
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		reason := ReasonNoPrice
		if strings.Contains(first.Code, "NotFound") || strings.Contains(first.Code, "NotAccessible") || strings.Contains(first.Code, "InvalidParameter") {
			reason = ReasonNotFound
		}
		return nil, &FetchError{ASIN: asin, Reason: reason, Err: fmt.Errorf("%s: %s", first.Code, first.Message)}
	}

	if len(out.ItemsResult.Items) == 0 {
		return nil, &FetchError{ASIN: asin, Reason: ReasonNotFound, Err: errors.New("empty items result")}
	}

	snap := s.snapshotFromItem(asin, out.ItemsResult.Items[0])
	if !snap.HasPrice() {
		return snap, &FetchError{ASIN: asin, Reason: ReasonNoPrice, Err: errors.New("listing without price")}
	}
	return snap, nil
}

func (s *APISource) snapshotFromItem(asin ASIN, item apiItem) *Snapshot {
	snap := &Snapshot{
		ASIN:      asin,
		Title:     item.ItemInfo.Title.DisplayValue,
		Currency:  s.region.Currency,
		URL:       ProductURL(s.region, asin),
		CheckedAt: time.Now(),
	}
	if len(item.Offers.Listings) > 0 {
		listing := item.Offers.Listings[0]
		if listing.Price.Amount > 0 {
			snap.Price = floatPtr(listing.Price.Amount)
		}
		if listing.Price.Currency != "" {
			snap.Currency = listing.Price.Currency
		}
		snap.Availability = listing.Availability.Message
	}
	return snap
}
