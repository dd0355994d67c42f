package amazon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "pricebot/pkg/logx"
)

func newTestAPISource(t *testing.T, handler http.HandlerFunc) *APISource {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	src, err := NewAPISource(APIConfig{
		AccessKey:   "AKIAEXAMPLE",
		SecretKey:   "secretkey",
		PartnerTag:  "pricebot-21",
		Region:      "IT",
		BaseURL:     srv.URL,
		MinInterval: time.Millisecond,
	}, logx.Nop())
	require.NoError(t, err)
	return src
}

func TestAPISourceFetch(t *testing.T) {
	t.Parallel()

	var (
		gotPath    string
		gotAuth    string
		gotDate    string
		gotRequest getItemsRequest
	)
	src := newTestAPISource(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotDate = r.Header.Get("X-Amz-Date")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotRequest)

		io.WriteString(w, `{"ItemsResult":{"Items":[{
			"ASIN":"B08N5WRWNW",
			"ItemInfo":{"Title":{"DisplayValue":"Echo Dot (4th Gen)"}},
			"Offers":{"Listings":[{
				"Price":{"Amount":29.99,"Currency":"EUR"},
				"Availability":{"Message":"Available now."}
			}]}
		}]}}`)
	})

	snap, err := src.Fetch(context.Background(), "B08N5WRWNW")
	require.NoError(t, err)

	require.Equal(t, "/paapi5/getitems", gotPath)
	require.Regexp(t, `^AWS4-HMAC-SHA256 Credential=AKIAEXAMPLE/\d{8}/it/ProductAdvertisingAPI/aws4_request, SignedHeaders=host;x-amz-date, Signature=[0-9a-f]{64}$`, gotAuth)
	require.Regexp(t, `^\d{8}T\d{6}Z$`, gotDate)

	require.Equal(t, []string{"B08N5WRWNW"}, gotRequest.ItemIds)
	require.Equal(t, getItemsResources, gotRequest.Resources)
	require.Equal(t, "pricebot-21", gotRequest.PartnerTag)
	require.Equal(t, "Associates", gotRequest.PartnerType)
	require.Equal(t, "APJ6JRA9NG5V4", gotRequest.Marketplace)

	require.Equal(t, ASIN("B08N5WRWNW"), snap.ASIN)
	require.Equal(t, "Echo Dot (4th Gen)", snap.Title)
	require.NotNil(t, snap.Price)
	require.InDelta(t, 29.99, *snap.Price, 1e-9)
	require.Equal(t, "EUR", snap.Currency)
	require.Equal(t, "Available now.", snap.Availability)
	require.Equal(t, "https://www.amazon.it/dp/B08N5WRWNW", snap.URL)
	require.False(t, snap.CheckedAt.IsZero())
}

func TestAPISourceFetchFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		reason  Reason
	}{
		{
			name: "error code item not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"Errors":[{"Code":"InvalidParameterValue","Message":"ItemIds B000000000 is not valid."}]}`)
			},
			reason: ReasonNotFound,
		},
		{
			name: "error code not accessible",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"Errors":[{"Code":"ItemNotAccessible","Message":"The item is not accessible through the API."}]}`)
			},
			reason: ReasonNotFound,
		},
		{
			name: "error code throttled in body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"Errors":[{"Code":"TooManyRequests","Message":"Slow down."}]}`)
			},
			reason: ReasonNoPrice,
		},
		{
			name: "empty items result",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"ItemsResult":{"Items":[]}}`)
			},
			reason: ReasonNotFound,
		},
		{
			name: "http 403",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
			reason: ReasonUnsigned,
		},
		{
			name: "http 404",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			reason: ReasonNotFound,
		},
		{
			name: "http 429",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
			reason: ReasonRateLimited,
		},
		{
			name: "http 500",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			reason: ReasonNetwork,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := newTestAPISource(t, tt.handler)
			_, err := src.Fetch(context.Background(), "B08N5WRWNW")
			require.Error(t, err)
			require.Equal(t, tt.reason, ReasonOf(err))
		})
	}
}

func TestAPISourceFetchPricelessListing(t *testing.T) {
	t.Parallel()

	src := newTestAPISource(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ItemsResult":{"Items":[{
			"ASIN":"B08N5WRWNW",
			"ItemInfo":{"Title":{"DisplayValue":"Echo Dot (4th Gen)"}}
		}]}}`)
	})

	// Metadata still comes back so callers can seed titles at add time.
	snap, err := src.Fetch(context.Background(), "B08N5WRWNW")
	require.Error(t, err)
	require.Equal(t, ReasonNoPrice, ReasonOf(err))
	require.NotNil(t, snap)
	require.Equal(t, "Echo Dot (4th Gen)", snap.Title)
	require.Nil(t, snap.Price)
	require.False(t, snap.HasPrice())
}

func TestAPISourceFetchMalformedASIN(t *testing.T) {
	t.Parallel()

	src := newTestAPISource(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a malformed asin")
	})

	_, err := src.Fetch(context.Background(), "not-an-asin")
	require.Error(t, err)
	require.Equal(t, ReasonNotFound, ReasonOf(err))
}

func TestNewAPISourceMissingCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewAPISource(APIConfig{Region: "IT"}, logx.Nop())
	require.Error(t, err)
	require.Equal(t, ReasonUnsigned, ReasonOf(err))
}
