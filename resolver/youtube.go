package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/onnwee/streamvault/registry"
)

func init() {
	Register("youtube", func(opts Options) Resolver { return NewYouTube(opts) })
}

// YouTube resolves live status by scraping the channel's /live page for the
// embedded ytInitialPlayerResponse, the same blob the web player boots
// from. The room reference is a channel handle ("@somechannel") or a
// channel id ("UC..."). Variants come from the HLS manifest the player
// response advertises.
type YouTube struct {
	opts Options

	BaseURL string // override in tests
}

func NewYouTube(opts Options) *YouTube {
	return &YouTube{opts: opts, BaseURL: "https://www.youtube.com"}
}

func (y *YouTube) Resolve(ctx context.Context, ch registry.Channel) (*StreamDescriptor, error) {
	hc := y.opts.Client(ch)
	path := "/channel/" + ch.Room + "/live"
	if strings.HasPrefix(ch.Room, "@") {
		path = "/" + ch.Room + "/live"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.BaseURL+path, nil)
	if err != nil {
		return nil, Transient("youtube", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if y.opts.Credentials != nil {
		if cookie, _ := y.opts.Credentials.Cookie(ctx, "youtube"); cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient("youtube", err)
	}
	defer closeBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Channel exists but has no /live redirect target.
		return &StreamDescriptor{Live: false}, nil
	case resp.StatusCode == http.StatusForbidden:
		return nil, AuthRequired("youtube", fmt.Errorf("live page: %s", resp.Status))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient("youtube", fmt.Errorf("live page: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, Unsupported("youtube", fmt.Errorf("live page: %s", resp.Status))
	}
	page, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, Transient("youtube", err)
	}
	raw, ok := extractPlayerResponse(string(page))
	if !ok {
		// No player response at all means an offline channel page, not a
		// parse failure.
		return &StreamDescriptor{Live: false}, nil
	}
	var pr struct {
		VideoDetails struct {
			Title  string `json:"title"`
			Author string `json:"author"`
			IsLive bool   `json:"isLive"`
		} `json:"videoDetails"`
		StreamingData struct {
			HLSManifestURL string `json:"hlsManifestUrl"`
		} `json:"streamingData"`
	}
	if err := json.Unmarshal([]byte(raw), &pr); err != nil {
		return nil, Unsupported("youtube", fmt.Errorf("player response decode: %w", err))
	}
	desc := &StreamDescriptor{Title: pr.VideoDetails.Title, Anchor: pr.VideoDetails.Author}
	if !pr.VideoDetails.IsLive {
		return desc, nil
	}
	desc.Live = true
	if pr.StreamingData.HLSManifestURL == "" {
		return nil, Unsupported("youtube", fmt.Errorf("live video without hls manifest url"))
	}
	mu, err := url.Parse(pr.StreamingData.HLSManifestURL)
	if err != nil {
		return nil, Unsupported("youtube", fmt.Errorf("hls manifest url: %w", err))
	}
	mreq, err := http.NewRequestWithContext(ctx, http.MethodGet, mu.String(), nil)
	if err != nil {
		return nil, Transient("youtube", err)
	}
	mreq.Header.Set("User-Agent", browserUserAgent)
	mresp, err := hc.Do(mreq)
	if err != nil {
		return nil, Transient("youtube", err)
	}
	defer closeBody(mresp.Body)
	if mresp.StatusCode != http.StatusOK {
		return nil, Transient("youtube", fmt.Errorf("hls manifest: %s", mresp.Status))
	}
	variants := parseMasterPlaylist(mresp.Body, mu)
	if len(variants) == 0 {
		return nil, Unsupported("youtube", fmt.Errorf("empty hls master playlist"))
	}
	desc.Variants = variants
	return desc, nil
}

// extractPlayerResponse pulls the "ytInitialPlayerResponse = {...};" JSON
// object out of the watch page by brace counting (the blob nests arbitrary
// strings, so a regexp is not enough).
func extractPlayerResponse(page string) (string, bool) {
	const marker = "ytInitialPlayerResponse = "
	i := strings.Index(page, marker)
	if i < 0 {
		return "", false
	}
	rest := page[i+len(marker):]
	if len(rest) == 0 || rest[0] != '{' {
		return "", false
	}
	depth := 0
	inStr, esc := false, false
	for j := 0; j < len(rest); j++ {
		c := rest[j]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return rest[:j+1], true
			}
		}
	}
	return "", false
}
