package amazon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractASIN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want ASIN
		ok   bool
	}{
		{name: "dp link", text: "https://www.amazon.it/dp/B08N5WRWNW", want: "B08N5WRWNW", ok: true},
		{name: "gp product link", text: "https://www.amazon.it/gp/product/B08N5WRWNW", want: "B08N5WRWNW", ok: true},
		{name: "dp with slug and ref", text: "https://www.amazon.it/echo-dot/dp/B08N5WRWNW/ref=sr_1_1?crid=ABC", want: "B08N5WRWNW", ok: true},
		{name: "lowercase path", text: "https://www.amazon.de/dp/b08n5wrwnw", want: "B08N5WRWNW", ok: true},
		{name: "asin query param", text: "https://www.amazon.it/s?asin=B08N5WRWNW&qid=1", want: "B08N5WRWNW", ok: true},
		{name: "bare asin", text: "B08N5WRWNW", want: "B08N5WRWNW", ok: true},
		{name: "asin inside message", text: "check this one B0C1234XYZ please", want: "B0C1234XYZ", ok: true},

		{name: "empty", text: "", ok: false},
		{name: "short code", text: "https://www.amazon.it/dp/B08N5", ok: false},
		{name: "plain chatter", text: "what a wonderful day", ok: false},
		// Ten-letter words without digits never qualify as an identifier.
		{name: "ten letter word", text: "impossible", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractASIN(tt.text)
			require.Equal(t, tt.ok, ok, "extract outcome for %q", tt.text)
			if tt.ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseASIN(t *testing.T) {
	t.Parallel()

	a, err := ParseASIN("  b08n5wrwnw ")
	require.NoError(t, err)
	require.Equal(t, ASIN("B08N5WRWNW"), a)
	require.True(t, a.Valid())

	_, err = ParseASIN("B08N5WRWN")
	require.Error(t, err)

	_, err = ParseASIN("B08N5WRWN!")
	require.Error(t, err)
}

func TestAffiliateURL(t *testing.T) {
	t.Parallel()

	region := RegionByCode("IT")
	require.Equal(t, "https://www.amazon.it/dp/B08N5WRWNW", ProductURL(region, "B08N5WRWNW"))
	require.Equal(t, "https://www.amazon.it/dp/B08N5WRWNW?tag=mytag-21", AffiliateURL(region, "B08N5WRWNW", "mytag-21"))
	require.Equal(t, "https://www.amazon.it/dp/B08N5WRWNW", AffiliateURL(region, "B08N5WRWNW", "  "))
	require.Equal(t, "https://www.amazon.it/dp/B08N5WRWNW", StripAffiliateTag("https://www.amazon.it/dp/B08N5WRWNW?tag=mytag-21"))

	// Unknown regions fall back to the home marketplace.
	require.Equal(t, "amazon.it", RegionByCode("XX").Domain)
	require.Equal(t, "amazon.com", RegionByCode("us").Domain)
	require.False(t, KnownRegion("XX"))
	require.True(t, KnownRegion("jp"))
}
