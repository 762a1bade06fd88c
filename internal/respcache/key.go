package respcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/tidwall/gjson"
)

// keySep separates the parts of a composite key. Route paths may carry
// colons, so the ASCII unit separator is used instead.
const keySep = "\x1f"

// Key identifies one cached response: tenant scope, request path and the
// fingerprint of the request's query + body.
type Key struct {
	UserID      int64
	Path        string
	Fingerprint string
}

// BuildKey assembles a Key. userID 0 is the shared scope.
func BuildKey(userID int64, path, fingerprint string) Key {
	return Key{
		UserID:      userID,
		Path:        path,
		Fingerprint: fingerprint,
	}
}

// String converts the structured key into its wire form:
// <USER_ID>\x1f<PATH>\x1f<FINGERPRINT>
func (k Key) String() string {
	return strconv.FormatInt(k.UserID, 10) + keySep + k.Path + keySep + k.Fingerprint
}

// Valid reports whether every part is present.
func (k Key) Valid() bool {
	return k.UserID >= 0 && k.Path != "" && k.Fingerprint != ""
}

// ParseKey splits a wire key into exactly three non-empty parts.
func ParseKey(s string) (Key, bool) {
	parts := strings.Split(s, keySep)
	if len(parts) != 3 {
		return Key{}, false
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Key{}, false
	}
	k := Key{UserID: userID, Path: parts[1], Fingerprint: parts[2]}
	if !k.Valid() {
		return Key{}, false
	}
	return k, true
}

// bucket is the hash object holding every entry of the key's scope.
func (k Key) bucket() string {
	return bucketName(k.UserID)
}

// field is the hash field name; invalidation matches on its path prefix.
func (k Key) field() string {
	return k.Path + ":" + k.Fingerprint
}

func bucketName(userID int64) string {
	return Namespace + ":" + strconv.FormatInt(userID, 10)
}

// Fingerprint hashes the canonical query string (keys sorted, k=v joined
// by &) concatenated with the serialized body. It is a cache discriminator,
// not a security boundary.
func Fingerprint(query map[string]string, body []byte) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	for i, k := range keys {
		if i > 0 {
			_, _ = d.WriteString("&")
		}
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(query[k])
	}
	_, _ = d.Write(body)

	return fmt.Sprintf("%016x", d.Sum64())
}

// CanonicalBody returns the compacted JSON form of raw, or nil when raw is
// empty or not valid JSON.
func CanonicalBody(raw []byte) []byte {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil
	}
	return buf.Bytes()
}
