package amazon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want float64
		ok   bool
	}{
		{name: "euro glyph comma decimals", raw: "€29,99", want: 29.99, ok: true},
		{name: "european grouped", raw: "1.299,99", want: 1299.99, ok: true},
		{name: "american grouped", raw: "1,299.99", want: 1299.99, ok: true},
		{name: "bare dot decimals", raw: "29.99", want: 29.99, ok: true},
		{name: "integer", raw: "29", want: 29.00, ok: true},

		// "1.234" is thousands grouping, not a decimal. Locale-ambiguous
		// strings resolve toward grouping: this is a policy choice, kept
		// stable here on purpose.
		{name: "ambiguous grouped integer", raw: "1.234", want: 1234, ok: true},
		{name: "ambiguous grouped integer american", raw: "1,234", want: 1234, ok: true},

		{name: "dollar glyph", raw: "$19.99", want: 19.99, ok: true},
		{name: "pound glyph", raw: "£10,50", want: 10.50, ok: true},
		{name: "yen integer grouped", raw: "¥1,234", want: 1234, ok: true},
		{name: "trailing currency code", raw: "29.99 EUR", want: 29.99, ok: true},
		{name: "surrounding text", raw: "Prezzo: €1.299,99 IVA inclusa", want: 1299.99, ok: true},
		{name: "glyph after amount", raw: "29,99 €", want: 29.99, ok: true},
		{name: "wide comma decimals", raw: "1234,56", want: 1234.56, ok: true},

		{name: "empty", raw: "", ok: false},
		{name: "whitespace", raw: "   ", ok: false},
		{name: "no digits", raw: "Currently unavailable", ok: false},
		{name: "zero", raw: "0", ok: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePrice(tt.raw)
			require.Equal(t, tt.ok, ok, "parse outcome for %q", tt.raw)
			if tt.ok {
				require.InDelta(t, tt.want, got, 0.0001, "value for %q", tt.raw)
			}
		})
	}
}

func TestComposeParts(t *testing.T) {
	t.Parallel()

	got, ok := composeParts("1299", "99")
	require.True(t, ok)
	require.InDelta(t, 1299.99, got, 0.0001)

	got, ok = composeParts("29", "")
	require.True(t, ok)
	require.InDelta(t, 29.0, got, 0.0001)

	_, ok = composeParts("", "99")
	require.False(t, ok)
}
