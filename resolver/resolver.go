// Package resolver normalizes per-platform liveness APIs into one stream
// descriptor contract. Each supported platform contributes one Resolver
// implementation, registered under its platform tag; the scheduler and the
// recording supervisor only ever see the normalized shape. Resolvers make
// outbound requests and nothing else: they never touch registry state.
package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/streamvault/registry"
)

// Variant is one playable quality option within a descriptor.
type Variant struct {
	Label     string // platform's quality label, e.g. "1080p", "origin"
	URL       string // playable stream URL
	Container string // container hint for the recorder backend: "ts", "flv", "mp4"
}

// StreamDescriptor is the normalized result of one resolution attempt.
// Variants are ordered by descending quality and are never mutated after
// construction; each poll produces a fresh descriptor.
type StreamDescriptor struct {
	Live     bool
	Title    string
	Anchor   string
	Variants []Variant
}

// SelectVariant picks the variant matching the preferred quality label, or
// the best available one (first in descending order) when the preference is
// absent or empty. Returns false when the descriptor carries no variants.
func (d *StreamDescriptor) SelectVariant(preferred string) (Variant, bool) {
	if len(d.Variants) == 0 {
		return Variant{}, false
	}
	for _, v := range d.Variants {
		if preferred != "" && v.Label == preferred {
			return v, true
		}
	}
	return d.Variants[0], true
}

// Resolver is the per-platform capability: turn a channel reference into a
// descriptor. Implementations classify failures via the error helpers in
// this package and must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, ch registry.Channel) (*StreamDescriptor, error)
}

// CredentialSource supplies platform auth material (cookie headers, tokens)
// to resolvers that need it. A nil source means no credentials configured.
type CredentialSource interface {
	Cookie(ctx context.Context, platform string) (string, error)
}

// Options carries shared construction inputs for resolver variants.
type Options struct {
	// HTTPClient used for direct (non-proxied) requests. Defaults to a
	// client with Timeout applied.
	HTTPClient *http.Client
	// ProxyURL, when set, is used for channels with the proxy flag.
	ProxyURL    string
	Credentials CredentialSource
	Timeout     time.Duration
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 15 * time.Second
}

// Client returns the HTTP client for a channel, honoring its proxy flag.
func (o Options) Client(ch registry.Channel) *http.Client {
	if ch.UseProxy && o.ProxyURL != "" {
		if pu, err := url.Parse(o.ProxyURL); err == nil {
			return &http.Client{
				Timeout:   o.timeout(),
				Transport: &http.Transport{Proxy: http.ProxyURL(pu)},
			}
		}
	}
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: o.timeout()}
}

var (
	buildersMu sync.RWMutex
	builders   = map[string]func(Options) Resolver{}
)

// Register installs a resolver constructor under a platform tag. Adding a
// platform means calling Register from its file's init; nothing in the
// scheduler or supervisor changes.
func Register(tag string, fn func(Options) Resolver) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	builders[tag] = fn
}

// New constructs the resolver variant for a platform tag.
func New(tag string, opts Options) (Resolver, error) {
	buildersMu.RLock()
	fn, ok := builders[tag]
	buildersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported platform: %s", tag)
	}
	return fn(opts), nil
}

// Platforms lists all registered platform tags, sorted.
func Platforms() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	out := make([]string, 0, len(builders))
	for tag := range builders {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
