package core

// CSP (content-service-path) grammar and parsing (spec §6):
//
//	/path/segments?view=<name>&keyType=<fqtn>&valueType=<fqtn>&
//	    putReturnsNull=<bool>&removeReturnsNull=<bool>&bootstrap=<bool>&basePath=<text>
//
// `view` is mandatory on first use; unknown query keys are ignored. Parsing
// is pure, so results are memoized in a bounded LRU (grounded on the
// teacher's use of hashicorp/golang-lru for connection-local caches) —
// eviction here only costs a re-parse, never a correctness issue, unlike
// the CID<->CSP binding table in Mux, which must never evict for the life
// of the connection.

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CSP is the parsed form of a content-service-path.
type CSP struct {
	Raw               string
	Path              string
	View              string
	KeyType           string
	ValueType         string
	PutReturnsNull    bool
	RemoveReturnsNull bool
	Bootstrap         bool
	BasePath          string
	Extra             map[string]string
}

var cspCache *lru.Cache[string, *CSP]

func init() {
	c, err := lru.New[string, *CSP](4096)
	if err != nil {
		panic(fmt.Sprintf("core: failed to allocate csp cache: %v", err))
	}
	cspCache = c
}

// ParseCSP parses a raw CSP string, consulting and populating the package
// level parse cache. view is mandatory on first use of a path.
func ParseCSP(raw string) (*CSP, error) {
	if cached, ok := cspCache.Get(raw); ok {
		return cached, nil
	}

	path := raw
	var rawQuery string
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		path, rawQuery = raw[:i], raw[i+1:]
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("core: invalid csp query %q: %w", raw, err)
	}

	view := values.Get("view")
	if view == "" {
		return nil, fmt.Errorf("core: csp %q missing mandatory view", raw)
	}

	c := &CSP{
		Raw:       raw,
		Path:      path,
		View:      view,
		KeyType:   values.Get("keyType"),
		ValueType: values.Get("valueType"),
		BasePath:  values.Get("basePath"),
		Extra:     make(map[string]string),
	}
	c.PutReturnsNull = parseBoolQuery(values.Get("putReturnsNull"))
	c.RemoveReturnsNull = parseBoolQuery(values.Get("removeReturnsNull"))
	c.Bootstrap = parseBoolQuery(values.Get("bootstrap"))

	known := map[string]bool{"view": true, "keyType": true, "valueType": true,
		"putReturnsNull": true, "removeReturnsNull": true, "bootstrap": true, "basePath": true}
	for k := range values {
		if !known[k] {
			c.Extra[k] = values.Get(k)
		}
	}

	cspCache.Add(raw, c)
	return c, nil
}

func parseBoolQuery(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// WithView renders the CSP's path with the given view as
// path?view=...&keyType=...&valueType=..., in that fixed order (used when
// deriving set-proxy CSPs). Other query keys of c are not carried over.
func (c *CSP) WithView(view string) string {
	return fmt.Sprintf("%s?view=%s&keyType=%s&valueType=%s", c.Path, view, c.KeyType, c.ValueType)
}
