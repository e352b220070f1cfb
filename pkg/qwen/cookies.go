package qwen

import (
	"sort"
	"strings"
)

// Cookie params the browser session actually needs. Everything else the
// web client sets is tracking noise and gets dropped.
var essentialCookieParams = map[string]struct{}{
	"cnaui":       {},
	"aui":         {},
	"sca":         {},
	"xlly_s":      {},
	"_gcl_au":     {},
	"cna":         {},
	"token":       {},
	"_bl_uid":     {},
	"x-ap":        {},
	"acw_tc":      {},
	"atpsida":     {},
	"tfstk":       {},
	"ssxmod_itna": {},
}

var criticalCookieParams = []string{"cnaui", "aui", "token"}

type CookieSet struct {
	values map[string]string
}

// ParseCookies splits a raw browser Cookie header into name/value pairs.
func ParseCookies(raw string) CookieSet {
	values := map[string]string{}
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, value, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(name)] = value
	}
	return CookieSet{values: values}
}

// Essential keeps only the session-relevant params.
func (c CookieSet) Essential() CookieSet {
	out := map[string]string{}
	for k, v := range c.values {
		if _, ok := essentialCookieParams[k]; ok {
			out[k] = v
		}
	}
	return CookieSet{values: out}
}

func (c CookieSet) Get(name string) string {
	return c.values[name]
}

// Token returns the auth token embedded in the cookie jar, if present.
func (c CookieSet) Token() string {
	return c.values["token"]
}

// MissingCritical lists the params without which upstream rejects the
// session outright.
func (c CookieSet) MissingCritical() []string {
	var missing []string
	for _, name := range criticalCookieParams {
		if _, ok := c.values[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func (c CookieSet) Len() int {
	return len(c.values)
}

// String renders a Cookie header value with deterministic ordering.
func (c CookieSet) String() string {
	if len(c.values) == 0 {
		return ""
	}
	names := make([]string, 0, len(c.values))
	for k := range c.values {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+c.values[name])
	}
	return strings.Join(parts, "; ")
}
