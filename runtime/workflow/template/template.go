// Package template substitutes {{path}} placeholders in node configuration
// values with data from previously executed nodes.
//
// A path is "id.field1.field2..." where id names a node output bucket and the
// remaining segments traverse that bucket's data. The id matches an exact
// node id first, then a node label compared case-insensitively with spaces
// normalised to underscores. A string that is exactly one placeholder
// resolves to the referenced value with its native type; placeholders
// embedded in longer strings substitute textually, with non-string values
// JSON-encoded. Paths that miss at the top of a bucket are retried under its
// data field so results wrapped as {success, data} resolve without naming the
// wrapper. Unresolvable placeholders are preserved verbatim so callers can
// detect them downstream.
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/weftworks/weft/runtime/workflow/api"
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)
	wholePattern       = regexp.MustCompile(`^\{\{([^{}]+)\}\}$`)
)

// Resolver resolves placeholders against one instance's node outputs. It is
// read-only over the outputs map and safe to discard after use.
type Resolver struct {
	outputs api.NodeOutputs
	labels  map[string]string
	buf     map[string][]byte
}

// New builds a resolver over the given outputs. Label aliases are indexed up
// front; node data is marshalled lazily per bucket.
func New(outputs api.NodeOutputs) *Resolver {
	labels := make(map[string]string, len(outputs))
	for id, out := range outputs {
		if out.Label == "" {
			continue
		}
		key := normaliseLabel(out.Label)
		// Smallest id wins on alias collisions so lookups stay stable.
		if prev, ok := labels[key]; !ok || id < prev {
			labels[key] = id
		}
	}
	return &Resolver{
		outputs: outputs,
		labels:  labels,
		buf:     make(map[string][]byte),
	}
}

// Resolve walks value recursively: strings are substituted, maps and slices
// recurse element-wise, everything else passes through unchanged.
func (r *Resolver) Resolve(value any) any {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Resolve(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item)
		}
		return out
	default:
		return value
	}
}

// ResolveConfig resolves every value of a node config map.
func (r *Resolver) ResolveConfig(config map[string]any) map[string]any {
	resolved := make(map[string]any, len(config))
	for key, value := range config {
		resolved[key] = r.Resolve(value)
	}
	return resolved
}

// Lookup resolves a dotted path to its native value. The boolean reports
// whether the path resolved.
func (r *Resolver) Lookup(path string) (any, bool) {
	res, ok := r.lookup(path)
	if !ok {
		return nil, false
	}
	return res.Value(), true
}

func (r *Resolver) resolveString(s string) any {
	trimmed := strings.TrimSpace(s)
	if m := wholePattern.FindStringSubmatch(trimmed); m != nil {
		res, ok := r.lookup(m[1])
		if !ok {
			return s
		}
		return res.Value()
	}
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(frag string) string {
		res, ok := r.lookup(frag[2 : len(frag)-2])
		if !ok {
			return frag
		}
		return stringify(res)
	})
}

func (r *Resolver) lookup(path string) (gjson.Result, bool) {
	path = strings.TrimSpace(path)
	// connections['...'] placeholders belong to the calling platform and are
	// never step references. Leave them for the downstream consumer.
	if path == "" || strings.HasPrefix(path, "connections[") {
		return gjson.Result{}, false
	}
	root, rest, _ := strings.Cut(path, ".")
	id, ok := r.bucketFor(root)
	if !ok {
		return gjson.Result{}, false
	}
	buf, ok := r.dataJSON(id)
	if !ok {
		return gjson.Result{}, false
	}
	if rest == "" {
		return gjson.ParseBytes(buf), true
	}
	res := gjson.GetBytes(buf, rest)
	if !res.Exists() {
		// Action and state results wrap their payload as {success, data}.
		// A path that misses at the top of the bucket retries under data so
		// templates read through the wrapper without naming it.
		res = gjson.GetBytes(buf, "data."+rest)
	}
	return res, res.Exists()
}

// bucketFor maps a path root to a node id: exact id match first, then the
// label alias index.
func (r *Resolver) bucketFor(root string) (string, bool) {
	if _, ok := r.outputs[root]; ok {
		return root, true
	}
	id, ok := r.labels[normaliseLabel(root)]
	return id, ok
}

func (r *Resolver) dataJSON(id string) ([]byte, bool) {
	if buf, ok := r.buf[id]; ok {
		return buf, buf != nil
	}
	buf, err := json.Marshal(r.outputs[id].Data)
	if err != nil {
		r.buf[id] = nil
		return nil, false
	}
	r.buf[id] = buf
	return buf, true
}

func stringify(res gjson.Result) string {
	if res.Type == gjson.String {
		return res.String()
	}
	return res.Raw
}

func normaliseLabel(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}
