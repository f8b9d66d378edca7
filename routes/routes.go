package routes

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimit is a sliding window budget applied per caller IP
type RateLimit struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"maxRequests"`
}

// Route describes how an inbound path prefix maps to an upstream.
// Routes are plain data: the gateway interprets them with a single
// forwarding function.
type Route struct {
	Name     string `yaml:"name"`
	Prefix   string `yaml:"prefix"`
	Upstream string `yaml:"upstream"`
	// Script replaces the prefix when rewriting, e.g. "/w/api.php"
	Script string `yaml:"script"`
	// Generic routes take their target from the "url" query parameter
	Generic bool `yaml:"generic"`

	RequiredParams []string          `yaml:"requiredParams"`
	DefaultParams  map[string]string `yaml:"defaultParams"`
	StripHeaders   []string          `yaml:"stripHeaders"`
	RequestHeaders map[string]string `yaml:"requestHeaders"`
	AllowedDomains []string          `yaml:"allowedDomains"`

	RateLimit  RateLimit     `yaml:"rateLimit"`
	Timeout    time.Duration `yaml:"timeout"`
	HealthPath string        `yaml:"healthPath"`
}

// Rewrite maps an inbound path onto the upstream path.
// "/prefix/tail" becomes Script+"/tail"; "/prefix" and "/prefix/" become Script.
func (r Route) Rewrite(path string) string {
	tail := strings.TrimPrefix(path, r.Prefix)
	if tail == "/" {
		tail = ""
	}

	script := r.Script
	if strings.HasSuffix(script, "/") && strings.HasPrefix(tail, "/") {
		script = strings.TrimSuffix(script, "/")
	}

	rewritten := script + tail
	if rewritten == "" {
		return "/"
	}
	if !strings.HasPrefix(rewritten, "/") {
		rewritten = "/" + rewritten
	}
	return rewritten
}

// Target builds the upstream URL for an inbound path and raw query
func (r Route) Target(path, rawQuery string) (*url.URL, error) {
	base, err := url.Parse(r.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for route %s: %w", r.Name, err)
	}
	return &url.URL{
		Scheme:   base.Scheme,
		User:     base.User,
		Host:     base.Host,
		Path:     strings.TrimSuffix(base.Path, "/") + r.Rewrite(path),
		RawQuery: rawQuery,
	}, nil
}

// ApplyDefaults appends DefaultParams missing from query to rawQuery,
// leaving the caller's parameters in their original order.
func (r Route) ApplyDefaults(rawQuery string, query url.Values) string {
	if len(r.DefaultParams) == 0 {
		return rawQuery
	}

	keys := make([]string, 0, len(r.DefaultParams))
	for k := range r.DefaultParams {
		if _, ok := query[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		pair := url.QueryEscape(k) + "=" + url.QueryEscape(r.DefaultParams[k])
		if rawQuery == "" {
			rawQuery = pair
		} else {
			rawQuery += "&" + pair
		}
	}
	return rawQuery
}

// MissingParam returns the first required parameter absent from query
func (r Route) MissingParam(query url.Values) (string, bool) {
	for _, p := range r.RequiredParams {
		if query.Get(p) == "" {
			return p, true
		}
	}
	return "", false
}

// AllowsHost reports whether host equals or is a subdomain of an allowed domain
func (r Route) AllowsHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, d := range r.AllowedDomains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// HealthURL returns the URL probed by the upstream health check
func (r Route) HealthURL() (string, error) {
	if r.Generic {
		return "", fmt.Errorf("route %s has no fixed upstream", r.Name)
	}
	path := r.HealthPath
	if path == "" {
		path = r.Script
	}
	base := strings.TrimSuffix(r.Upstream, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}

func (r Route) validate() error {
	if r.Name == "" {
		return fmt.Errorf("route with prefix %q has no name", r.Prefix)
	}
	if !strings.HasPrefix(r.Prefix, "/") || r.Prefix == "/" {
		return fmt.Errorf("route %s: prefix must start with '/' and not be the root", r.Name)
	}
	if strings.HasSuffix(r.Prefix, "/") {
		return fmt.Errorf("route %s: prefix must not end with '/'", r.Name)
	}
	if r.Generic {
		return nil
	}
	u, err := url.Parse(r.Upstream)
	if err != nil {
		return fmt.Errorf("route %s: invalid upstream: %w", r.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("route %s: upstream must be an absolute http(s) URL", r.Name)
	}
	return nil
}

// Table is the immutable set of routes loaded at startup
type Table struct {
	routes []Route
	byName map[string]Route
}

// NewTable validates routes and builds a lookup table.
// Longer prefixes win when several match.
func NewTable(routes []Route) (*Table, error) {
	t := &Table{
		routes: make([]Route, 0, len(routes)),
		byName: make(map[string]Route, len(routes)),
	}
	seen := make(map[string]bool)

	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[r.Name]; dup {
			return nil, fmt.Errorf("duplicate route name %s", r.Name)
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("duplicate route prefix %s", r.Prefix)
		}
		seen[r.Prefix] = true
		t.byName[r.Name] = r
		t.routes = append(t.routes, r)
	}

	sort.SliceStable(t.routes, func(i, j int) bool {
		return len(t.routes[i].Prefix) > len(t.routes[j].Prefix)
	})
	return t, nil
}

// Match finds the route whose prefix owns path
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r, true
		}
	}
	return Route{}, false
}

// Lookup finds a route by name
func (t *Table) Lookup(name string) (Route, bool) {
	r, ok := t.byName[name]
	return r, ok
}

// Prefixes lists the known route prefixes in sorted order
func (t *Table) Prefixes() []string {
	out := make([]string, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r.Prefix)
	}
	sort.Strings(out)
	return out
}

// Routes returns a copy of the configured routes
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

type file struct {
	Routes []Route `yaml:"routes"`
}

// Load reads routes from a YAML file
func Load(path string) ([]Route, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	if len(f.Routes) == 0 {
		return nil, fmt.Errorf("routes file %s defines no routes", path)
	}
	return f.Routes, nil
}

// Defaults returns the built-in route table: the facility registry and the
// generic any-URL route.
func Defaults() []Route {
	return []Route{
		{
			Name:           "mediawiki",
			Prefix:         "/api/mediawiki",
			Upstream:       "https://registry.example.org",
			Script:         "/w/api.php",
			RequiredParams: []string{"action"},
			DefaultParams:  map[string]string{"format": "json"},
			RequestHeaders: map[string]string{"User-Agent": "corsgate/1.0 (facility registry proxy)"},
			RateLimit:      RateLimit{Window: time.Minute, MaxRequests: 100},
			Timeout:        30 * time.Second,
			HealthPath:     "/w/api.php?action=query&meta=siteinfo&format=json",
		},
		{
			Name:           "proxy",
			Prefix:         "/api/proxy",
			Generic:        true,
			RequestHeaders: map[string]string{"User-Agent": "corsgate/1.0"},
			AllowedDomains: []string{"example.org", "api.weather.gov"},
			RateLimit:      RateLimit{Window: time.Minute, MaxRequests: 200},
			Timeout:        30 * time.Second,
		},
	}
}
