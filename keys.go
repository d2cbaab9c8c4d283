package luminara

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strings"

	"github.com/luminara-io/luminara/internal/canonjson"
)

// KeyStrategy selects how a request is reduced to its identity key.
// The key scopes deduplication, debouncing, and per-endpoint rate
// limiting; collisions only cause extra coalescing, never corruption.
type KeyStrategy string

const (
	// KeyURL keys on the resolved URL only.
	KeyURL KeyStrategy = "url"

	// KeyMethodURL keys on method + resolved URL.
	KeyMethodURL KeyStrategy = "method+url"

	// KeyMethodURLBody keys on method + resolved URL + a stable hash
	// of the body.
	KeyMethodURLBody KeyStrategy = "method+url+body"

	// KeyCustom delegates to a caller-supplied KeyFunc.
	KeyCustom KeyStrategy = "custom"
)

// KeyFunc derives an identity key for a request. Used with KeyCustom.
type KeyFunc func(req *PreparedRequest) string

// deriveKey builds the identity key for a request. includeHeaders
// augments the key with selected header values so, for example, the
// same URL fetched by two users with different Authorization headers
// is not coalesced.
func deriveKey(req *PreparedRequest, strategy KeyStrategy, keyFn KeyFunc, includeHeaders []string) (string, error) {
	if strategy == "" {
		strategy = KeyMethodURL
	}

	var key string
	switch strategy {
	case KeyURL:
		key = req.URL
	case KeyMethodURL:
		key = req.Method + " " + req.URL
	case KeyMethodURLBody:
		key = req.Method + " " + req.URL + " " + bodyFingerprint(req)
	case KeyCustom:
		if keyFn == nil {
			return "", newConfigError("key strategy %q requires a key function", KeyCustom)
		}
		key = keyFn(req)
		if key == "" {
			return "", newConfigError("custom key function returned an empty key")
		}
	default:
		return "", newConfigError("unknown key strategy %q", strategy)
	}

	if len(includeHeaders) > 0 {
		names := make([]string, len(includeHeaders))
		copy(names, includeHeaders)
		sort.Strings(names)
		var sb strings.Builder
		sb.WriteString(key)
		for _, name := range names {
			sb.WriteString("|h:")
			sb.WriteString(strings.ToLower(name))
			sb.WriteByte('=')
			sb.WriteString(req.Headers.Get(name))
		}
		key = sb.String()
	}

	return key, nil
}

// bodyFingerprint reduces the request body to a stable 32-bit hash.
// Strings hash as-is, form bodies render as sorted k=v pairs,
// structured bodies canonicalise through sorted-key JSON, and binary
// bodies hash byte-wise.
func bodyFingerprint(req *PreparedRequest) string {
	switch b := req.BodyValue.(type) {
	case nil:
		return ""
	case string:
		return hash32([]byte(b))
	case []byte:
		return hash32(b)
	case url.Values:
		return hash32([]byte(renderForm(b)))
	case *MultipartForm:
		return hash32(req.Body)
	default:
		canonical, err := canonjson.Marshal(b)
		if err != nil {
			// Unmarshalable bodies fall back to the encoded bytes.
			return hash32(req.Body)
		}
		return hash32(canonical)
	}
}

// renderForm renders form values as k=v&... with keys sorted.
func renderForm(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// hash32 is the stable mixing function behind all body fingerprints.
func hash32(data []byte) string {
	h := fnv.New32a()
	h.Write(data)
	return fmt.Sprintf("%08x", h.Sum32())
}

// methodAllowed applies the include/exclude method filters shared by
// the deduplicator, debouncer, and hedger. A non-empty methods list is
// an exact whitelist; otherwise excludeMethods is a blacklist.
func methodAllowed(method string, methods, excludeMethods []string) bool {
	if len(methods) > 0 {
		for _, m := range methods {
			if strings.EqualFold(m, method) {
				return true
			}
		}
		return false
	}
	for _, m := range excludeMethods {
		if strings.EqualFold(m, method) {
			return false
		}
	}
	return true
}
