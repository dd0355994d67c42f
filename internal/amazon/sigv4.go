package amazon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// AWS Signature Version 4 for PA-API 5.0. The canonical request signs
// exactly two headers (host, x-amz-date) and the body digest; the signing
// key is the usual four-step HMAC chain over date, region, service.

const (
	signAlgorithm = "AWS4-HMAC-SHA256"
	signService   = "ProductAdvertisingAPI"
	signedHeaders = "host;x-amz-date"
	amzDateFormat = "20060102T150405Z"
)

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalRequest builds the signable representation of one GetItems call.
// The query string is always empty for PA-API POSTs.
func canonicalRequest(method, host, path, amzDate string, payload []byte) string {
	canonicalHeaders := "host:" + host + "\n" + "x-amz-date:" + amzDate + "\n"
	return strings.Join([]string{
		method,
		path,
		"", // canonical query string
		canonicalHeaders,
		signedHeaders,
		sha256Hex(payload),
	}, "\n")
}

func credentialScope(amzDate, region string) string {
	return amzDate[:8] + "/" + strings.ToLower(region) + "/" + signService + "/aws4_request"
}

func stringToSign(amzDate, region, canonReq string) string {
	return strings.Join([]string{
		signAlgorithm,
		amzDate,
		credentialScope(amzDate, region),
		sha256Hex([]byte(canonReq)),
	}, "\n")
}

// signingKey derives the per-day key: AWS4+secret folded through date,
// region, service name, and the fixed request-type suffix.
func signingKey(secret, amzDate, region string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), amzDate[:8])
	k = hmacSHA256(k, strings.ToLower(region))
	k = hmacSHA256(k, signService)
	return hmacSHA256(k, "aws4_request")
}

// signRequest produces the Authorization and X-Amz-Date header values for a
// PA-API call. Deterministic for a fixed (secret, ts, payload) triple.
func signRequest(accessKey, secretKey, region, method, host, path string, payload []byte, ts time.Time) (authorization, amzDate string) {
	amzDate = ts.UTC().Format(amzDateFormat)

	canonReq := canonicalRequest(method, host, path, amzDate, payload)
	toSign := stringToSign(amzDate, region, canonReq)
	signature := hex.EncodeToString(hmacSHA256(signingKey(secretKey, amzDate, region), toSign))

	authorization = fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		signAlgorithm, accessKey, credentialScope(amzDate, region), signedHeaders, signature)
	return authorization, amzDate
}
