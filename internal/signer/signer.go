// Package signer computes the SigV4-style authorization header expected by
// the imagex storage endpoints used for uploads. The scheme is fixed: region
// cn-north-1, service imagex, HMAC-SHA256 chain. It must match the server
// byte-for-byte, so the canonicalization rules below are deliberately exact.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

const (
	region  = "cn-north-1"
	service = "imagex"
	scheme  = "AWS4-HMAC-SHA256"
)

// ErrMissingDate is returned when the headers passed to Sign do not contain
// the x-amz-date timestamp the signature is derived from.
var ErrMissingDate = errors.New("signer: x-amz-date header is required")

// Sign produces the Authorization header value for a single storage call.
//
// The caller must put the exact same timestamp into the request's x-amz-date
// header and into the headers map given here; the result is deterministic for
// identical inputs. For POST requests with a non-empty payload the payload
// hash is signed and x-amz-content-sha256 joins the signed header set; every
// other case signs the empty-payload hash, matching the convention the
// backend expects for GET-style calls.
func Sign(method, rawURL string, headers map[string]string, accessKeyID, secretKey, sessionToken string, payload []byte) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("signer: parse url: %w", err)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	timestamp, ok := headers["x-amz-date"]
	if !ok || timestamp == "" {
		return "", ErrMissingDate
	}
	date := timestamp[:8]

	toSign := map[string]string{"x-amz-date": timestamp}
	if sessionToken != "" {
		toSign["x-amz-security-token"] = sessionToken
	}

	payloadHash := hashHex(nil)
	if strings.ToUpper(method) == "POST" && len(payload) > 0 {
		payloadHash = hashHex(payload)
		toSign["x-amz-content-sha256"] = payloadHash
	}

	names := make([]string, 0, len(toSign))
	for name := range toSign {
		names = append(names, strings.ToLower(name))
	}
	sort.Strings(names)
	signedHeaders := strings.Join(names, ";")

	var canonicalHeaders strings.Builder
	for _, name := range names {
		canonicalHeaders.WriteString(name)
		canonicalHeaders.WriteString(":")
		canonicalHeaders.WriteString(strings.TrimSpace(toSign[name]))
		canonicalHeaders.WriteString("\n")
	}

	canonicalRequest := strings.Join([]string{
		strings.ToUpper(method),
		path,
		canonicalQuery(u.Query()),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", date, region, service)
	stringToSign := strings.Join([]string{
		scheme,
		timestamp,
		scope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	key := hmacSHA256([]byte("AWS4"+secretKey), date)
	key = hmacSHA256(key, region)
	key = hmacSHA256(key, service)
	key = hmacSHA256(key, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		scheme, accessKeyID, scope, signedHeaders, signature), nil
}

// canonicalQuery joins the decoded query pairs as key=value, sorted by key
// then value, blank values preserved.
func canonicalQuery(values url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(values))
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, pair{k, v})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}
