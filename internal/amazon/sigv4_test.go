package amazon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var signTestTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func TestCanonicalRequestShape(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"ItemIds":["B08N5WRWNW"]}`)
	got := canonicalRequest("POST", "webservices.amazon.it", "/paapi5/getitems", "20250102T030405Z", payload)

	want := strings.Join([]string{
		"POST",
		"/paapi5/getitems",
		"",
		"host:webservices.amazon.it\nx-amz-date:20250102T030405Z\n",
		"host;x-amz-date",
		sha256Hex(payload),
	}, "\n")
	require.Equal(t, want, got)

	// The header block has its own trailing newline before the signed
	// header list; getting this wrong invalidates every signature.
	require.Contains(t, got, "x-amz-date:20250102T030405Z\n\nhost;x-amz-date")
}

func TestStringToSignShape(t *testing.T) {
	t.Parallel()

	canonReq := canonicalRequest("POST", "webservices.amazon.it", "/paapi5/getitems", "20250102T030405Z", []byte(`{}`))
	got := stringToSign("20250102T030405Z", "IT", canonReq)

	lines := strings.Split(got, "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "AWS4-HMAC-SHA256", lines[0])
	require.Equal(t, "20250102T030405Z", lines[1])
	require.Equal(t, "20250102/it/ProductAdvertisingAPI/aws4_request", lines[2])
	require.Equal(t, sha256Hex([]byte(canonReq)), lines[3])
}

func TestSignRequestDeterministic(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"ItemIds":["B08N5WRWNW"],"PartnerTag":"tag-21"}`)

	auth1, date1 := signRequest("AKIAEXAMPLE", "secretkey", "IT", "POST", "webservices.amazon.it", "/paapi5/getitems", payload, signTestTime)
	auth2, date2 := signRequest("AKIAEXAMPLE", "secretkey", "IT", "POST", "webservices.amazon.it", "/paapi5/getitems", payload, signTestTime)

	require.Equal(t, auth1, auth2, "same inputs must reproduce the same signature")
	require.Equal(t, "20250102T030405Z", date1)
	require.Equal(t, date1, date2)

	shape := regexp.MustCompile(`^AWS4-HMAC-SHA256 Credential=AKIAEXAMPLE/20250102/it/ProductAdvertisingAPI/aws4_request, SignedHeaders=host;x-amz-date, Signature=[0-9a-f]{64}$`)
	require.Regexp(t, shape, auth1)
}

func TestSignRequestSensitivity(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"ItemIds":["B08N5WRWNW"]}`)
	base, _ := signRequest("AKIAEXAMPLE", "secretkey", "IT", "POST", "webservices.amazon.it", "/paapi5/getitems", payload, signTestTime)

	otherSecret, _ := signRequest("AKIAEXAMPLE", "otherkey", "IT", "POST", "webservices.amazon.it", "/paapi5/getitems", payload, signTestTime)
	require.NotEqual(t, base, otherSecret)

	otherTime, _ := signRequest("AKIAEXAMPLE", "secretkey", "IT", "POST", "webservices.amazon.it", "/paapi5/getitems", payload, signTestTime.Add(time.Second))
	require.NotEqual(t, base, otherTime)

	otherPayload, _ := signRequest("AKIAEXAMPLE", "secretkey", "IT", "POST", "webservices.amazon.it", "/paapi5/getitems", []byte(`{"ItemIds":["B000000000"]}`), signTestTime)
	require.NotEqual(t, base, otherPayload)
}

// TestSignRequestAgainstReference recomputes the whole SigV4 chain with a
// straight-line transcript of the published algorithm and requires the
// production signer to agree. Guards against argument-order slips in the
// key derivation.
func TestSignRequestAgainstReference(t *testing.T) {
	t.Parallel()

	const (
		access = "AKIAEXAMPLE"
		secret = "secretkey"
		region = "IT"
		host   = "webservices.amazon.it"
		path   = "/paapi5/getitems"
	)
	payload := []byte(`{"ItemIds":["B08N5WRWNW"],"Marketplace":"APJ6JRA9NG5V4"}`)

	mac := func(key []byte, msg string) []byte {
		h := hmac.New(sha256.New, key)
		h.Write([]byte(msg))
		return h.Sum(nil)
	}
	hexDigest := func(b []byte) string {
		sum := sha256.Sum256(b)
		return hex.EncodeToString(sum[:])
	}

	amzDate := signTestTime.UTC().Format("20060102T150405Z")
	dateStamp := amzDate[:8]

	canonReq := "POST\n" + path + "\n\n" +
		"host:" + host + "\n" + "x-amz-date:" + amzDate + "\n" + "\n" +
		"host;x-amz-date" + "\n" +
		hexDigest(payload)

	scope := dateStamp + "/it/ProductAdvertisingAPI/aws4_request"
	toSign := "AWS4-HMAC-SHA256\n" + amzDate + "\n" + scope + "\n" + hexDigest([]byte(canonReq))

	key := mac([]byte("AWS4"+secret), dateStamp)
	key = mac(key, "it")
	key = mac(key, "ProductAdvertisingAPI")
	key = mac(key, "aws4_request")
	wantSig := hex.EncodeToString(mac(key, toSign))

	wantAuth := "AWS4-HMAC-SHA256 Credential=" + access + "/" + scope +
		", SignedHeaders=host;x-amz-date, Signature=" + wantSig

	gotAuth, gotDate := signRequest(access, secret, region, "POST", host, path, payload, signTestTime)
	require.Equal(t, amzDate, gotDate)
	require.Equal(t, wantAuth, gotAuth)
}
