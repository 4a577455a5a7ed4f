package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oscore-coap/engine/message"
)

func errResourceAbsent(path string) error {
	return fmt.Errorf("router: no resource registered at %q", path)
}

func errMethodNotAllowed(path string, code message.Code) error {
	return fmt.Errorf("router: method %s not allowed on %q", code, path)
}

// serveCoreDirectory renders the registered resource set as RFC 6690
// Link-Format, the SUPPLEMENTED FEATURES `.well-known/core` serializer.
// The query map filters by attribute: a query like `rt=sensor` (from
// Uri-Query `rt=sensor`) keeps only resources whose `rt` attribute
// exactly matches "sensor"; an empty query returns every resource.
func (r *Router) serveCoreDirectory(query map[string]string) Response {
	paths := append([]string(nil), r.order...)
	sort.Strings(paths)

	var b strings.Builder
	first := true
	for _, p := range paths {
		res := r.resources[p]
		if !matchesQuery(res.LinkAttributes, query) {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "</%s>", p)
		for _, k := range sortedKeys(res.LinkAttributes) {
			fmt.Fprintf(&b, ";%s=%q", k, res.LinkAttributes[k])
		}
	}
	return Response{
		Code:    message.Content,
		Options: message.Options{{ID: message.OptionContentFormat, Value: message.EncodeUint(40)}}, // application/link-format
		Payload: []byte(b.String()),
	}
}

func matchesQuery(attrs map[string]string, query map[string]string) bool {
	for qk, qv := range query {
		if attrs[qk] != qv {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
