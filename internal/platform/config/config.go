// Package config loads the dotted-key YAML configuration document and
// exposes it through a typed facade, mirroring the env-var Conf the teacher
// uses but addressed by dotted path instead of prefixed env name.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/quietdesk/quietdesk/internal/platform/logger"
)

// Raw is a parsed YAML document kept as a generic tree. Unknown keys are
// never dropped: All() returns the full decoded tree verbatim, which lets
// callers persist or inspect configuration they don't understand.
type Raw struct {
	tree map[string]any
}

// FromMap wraps an already-decoded tree as a Raw (mainly for defaults and tests)
func FromMap(m map[string]any) Raw {
	if m == nil {
		m = map[string]any{}
	}
	return Raw{tree: m}
}

// Parse decodes a YAML document into a Raw tree
func Parse(data []byte) (Raw, error) {
	var m map[string]any
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Raw{}, fmt.Errorf("config: parse yaml: %w", err)
		}
	}
	if m == nil {
		m = map[string]any{}
	}
	return Raw{tree: m}, nil
}

// LoadFile reads and parses a YAML file from disk
func LoadFile(path string) (Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Raw{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Merge overlays override on top of base (override wins on conflicts) and
// returns a new Raw. Neither input is mutated.
func Merge(base, override Raw) (Raw, error) {
	merged := map[string]any{}
	for k, v := range base.tree {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, override.tree, mergo.WithOverride); err != nil {
		return Raw{}, fmt.Errorf("config: merge: %w", err)
	}
	return Raw{tree: merged}, nil
}

// All returns the full decoded tree, including keys this package never reads
func (r Raw) All() map[string]any { return r.tree }

// Get walks a dotted path ("storage.sqlite_path") through nested maps and
// returns the leaf value
func (r Raw) Get(dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	var cur any = r.tree
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, vv := range m {
			if ks, ok := k.(string); ok {
				out[ks] = vv
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// Conf is a dotted-path-scoped typed facade over a Raw document. Use
// New(raw) for root access, or Prefix("storage") for a scoped view.
type Conf struct {
	raw    Raw
	prefix string
}

// New returns a root Conf over the given document
func New(raw Raw) Conf { return Conf{raw: raw} }

// Prefix returns a child Conf with an additional dotted path segment, e.g. c.Prefix("storage")
func (c Conf) Prefix(p string) Conf {
	if c.prefix == "" {
		return Conf{raw: c.raw, prefix: p}
	}
	return Conf{raw: c.raw, prefix: c.prefix + "." + p}
}

// key composes the fully-qualified dotted path
func (c Conf) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + "." + k
}

func (c Conf) lookup(key string) (any, bool) { return c.raw.Get(c.key(key)) }

// MustString panics if the given key is missing or empty
func (c Conf) MustString(key string) string {
	v, ok := c.lookup(key)
	if !ok {
		logger.Get().Panic().Str("key", c.key(key)).Msg("missing required config key")
	}
	s, ok := asString(v)
	s = strings.TrimSpace(s)
	if !ok || s == "" {
		logger.Get().Panic().Str("key", c.key(key)).Msg("missing required config key")
	}
	return s
}

// MustInt panics if the given key is missing or not an int
func (c Conf) MustInt(key string) int {
	v, ok := c.lookup(key)
	if !ok {
		logger.Get().Panic().Str("key", c.key(key)).Msg("missing required config key")
	}
	n, ok := asInt(v)
	if !ok {
		logger.Get().Panic().Str("key", c.key(key)).Interface("value", v).Msg("invalid int value")
	}
	return n
}

// MustBool panics if the given key is missing or not a bool
func (c Conf) MustBool(key string) bool {
	v, ok := c.lookup(key)
	if !ok {
		logger.Get().Panic().Str("key", c.key(key)).Msg("missing required config key")
	}
	b, ok := asBool(v)
	if !ok {
		logger.Get().Panic().Str("key", c.key(key)).Interface("value", v).Msg("invalid bool value")
	}
	return b
}

// MustDuration panics if the given key is missing or not a valid duration string
func (c Conf) MustDuration(key string) time.Duration {
	s := c.MustString(key)
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Get().Panic().Str("key", c.key(key)).Str("value", s).
			Msg("invalid duration (e.g., 250ms, 2s, 1h)")
	}
	return d
}

// MustURL panics if the given key is missing or not a valid absolute URL
func (c Conf) MustURL(key string) *url.URL {
	s := c.MustString(key)
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		logger.Get().Panic().Str("key", c.key(key)).Str("value", s).Msg("invalid absolute URL")
	}
	return u
}

// MustPort returns a Go net/http addr like ":4000" after validation 1..65535
func (c Conf) MustPort(key string) string {
	n := c.MustInt(key)
	if n < 1 || n > 65535 {
		logger.Get().Panic().Str("key", c.key(key)).Int("value", n).Msg("invalid TCP port; expected 1..65535")
	}
	return ":" + strconv.Itoa(n)
}

// Require ensures that all given keys are present (non-empty). Panics otherwise.
func (c Conf) Require(keys ...string) {
	for _, k := range keys {
		v, ok := c.lookup(k)
		if !ok {
			logger.Get().Panic().Str("key", c.key(k)).Msg("missing required config key")
		}
		if s, isStr := asString(v); isStr && strings.TrimSpace(s) == "" {
			logger.Get().Panic().Str("key", c.key(k)).Msg("missing required config key")
		}
	}
}

// MayString returns the value or def if missing/empty
func (c Conf) MayString(key, def string) string {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	s, ok := asString(v)
	if !ok {
		return def
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

// MayInt returns the value or def if missing; logs and returns def if invalid
func (c Conf) MayInt(key string, def int) int {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	n, ok := asInt(v)
	if !ok {
		logger.Get().Warn().Str("key", c.key(key)).Interface("value", v).Int("default", def).
			Msg("invalid int; using default")
		return def
	}
	return n
}

// MayFloat64 returns the value or def if missing; logs and returns def if invalid
func (c Conf) MayFloat64(key string, def float64) float64 {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	f, ok := asFloat64(v)
	if !ok {
		logger.Get().Warn().Str("key", c.key(key)).Interface("value", v).Float64("default", def).
			Msg("invalid float64; using default")
		return def
	}
	return f
}

// MayBool returns the value or def if missing; logs and returns def if invalid
func (c Conf) MayBool(key string, def bool) bool {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	b, ok := asBool(v)
	if !ok {
		logger.Get().Warn().Str("key", c.key(key)).Interface("value", v).Bool("default", def).
			Msg("invalid bool; using default")
		return def
	}
	return b
}

// MayDuration returns the value or def if missing; logs and returns def if invalid
func (c Conf) MayDuration(key string, def time.Duration) time.Duration {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	s, ok := asString(v)
	if !ok {
		logger.Get().Warn().Str("key", c.key(key)).Interface("value", v).Dur("default", def).
			Msg("invalid duration; using default")
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		logger.Get().Warn().Str("key", c.key(key)).Str("value", s).Dur("default", def).
			Msg("invalid duration; using default")
		return def
	}
	return d
}

// MayCSV returns a slice of strings from a comma-separated string value, or a
// YAML sequence value; def if missing/empty
func (c Conf) MayCSV(key string, def []string) []string {
	v, ok := c.lookup(key)
	if !ok {
		return def
	}
	var parts []string
	switch t := v.(type) {
	case string:
		parts = strings.Split(t, ",")
	case []any:
		for _, e := range t {
			if s, ok := asString(e); ok {
				parts = append(parts, s)
			}
		}
	default:
		return def
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// MayEnum ensures value is one of allowed; returns def if empty; panics if invalid.
func (c Conf) MayEnum(key, def string, allowed ...string) string {
	v := c.MayString(key, def)
	if v == "" {
		return v
	}
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return v
		}
	}
	logger.Get().Panic().Str("key", c.key(key)).Str("value", v).Strs("allowed", allowed).
		Msg("invalid enum value")
	return "" // unreachable
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", t), true
	default:
		return "", false
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	default:
		return false, false
	}
}
