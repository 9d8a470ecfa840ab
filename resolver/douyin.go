package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/streamvault/registry"
)

func init() {
	Register("douyin", func(opts Options) Resolver { return NewDouyin(opts) })
}

// Douyin resolves rooms through the webcast enter API. The endpoint refuses
// requests without a ttwid cookie, so a configured credential is effectively
// mandatory; its absence surfaces as AuthRequired rather than a parse error.
// The room reference is the web_rid from the live.douyin.com URL.
type Douyin struct {
	opts Options

	APIURL string // override in tests
}

func NewDouyin(opts Options) *Douyin {
	return &Douyin{opts: opts, APIURL: "https://live.douyin.com"}
}

// Quality keys in the hls/flv pull url maps, best first.
var douyinQualities = []struct{ key, label string }{
	{"FULL_HD1", "origin"},
	{"HD1", "hd"},
	{"SD1", "sd"},
	{"SD2", "ld"},
}

func (d *Douyin) Resolve(ctx context.Context, ch registry.Channel) (*StreamDescriptor, error) {
	hc := d.opts.Client(ch)
	u := fmt.Sprintf("%s/webcast/room/web/enter/?aid=6383&app_name=douyin_web&live_id=1&device_platform=web&enter_from=web_live&web_rid=%s", d.APIURL, ch.Room)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Transient("douyin", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", "https://live.douyin.com/")
	cookie := ""
	if d.opts.Credentials != nil {
		cookie, _ = d.opts.Credentials.Cookie(ctx, "douyin")
	}
	if cookie == "" {
		return nil, AuthRequired("douyin", fmt.Errorf("no ttwid cookie configured"))
	}
	req.Header.Set("Cookie", cookie)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient("douyin", err)
	}
	defer closeBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return nil, AuthRequired("douyin", fmt.Errorf("enter: %s", resp.Status))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient("douyin", fmt.Errorf("enter: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, Unsupported("douyin", fmt.Errorf("enter: %s", resp.Status))
	}
	var body struct {
		StatusCode int `json:"status_code"`
		Data       struct {
			Data []struct {
				Status    int    `json:"status"` // 2 = live
				Title     string `json:"title"`
				StreamURL struct {
					HLSPullURLMap map[string]string `json:"hls_pull_url_map"`
					FLVPullURL    map[string]string `json:"flv_pull_url"`
				} `json:"stream_url"`
			} `json:"data"`
			User struct {
				Nickname string `json:"nickname"`
			} `json:"user"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Unsupported("douyin", fmt.Errorf("enter decode: %w", err))
	}
	if body.StatusCode != 0 || len(body.Data.Data) == 0 {
		// An expired ttwid comes back as an empty payload, not an HTTP error.
		return nil, AuthRequired("douyin", fmt.Errorf("enter: status_code %d, empty room payload", body.StatusCode))
	}
	room := body.Data.Data[0]
	if room.Status != 2 {
		return &StreamDescriptor{Live: false, Title: room.Title, Anchor: body.Data.User.Nickname}, nil
	}
	desc := &StreamDescriptor{Live: true, Title: room.Title, Anchor: body.Data.User.Nickname}
	for _, q := range douyinQualities {
		if u := room.StreamURL.FLVPullURL[q.key]; u != "" {
			desc.Variants = append(desc.Variants, Variant{Label: q.label, URL: u, Container: "flv"})
		} else if u := room.StreamURL.HLSPullURLMap[q.key]; u != "" {
			desc.Variants = append(desc.Variants, Variant{Label: q.label, URL: u, Container: "ts"})
		}
	}
	if len(desc.Variants) == 0 {
		return nil, Unsupported("douyin", fmt.Errorf("live room with no pull urls"))
	}
	return desc, nil
}
