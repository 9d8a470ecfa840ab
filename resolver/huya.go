package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/onnwee/streamvault/registry"
)

func init() {
	Register("huya", func(opts Options) Resolver { return NewHuya(opts) })
}

// Huya resolves rooms via the mobile profileRoom API, which reports live
// state, titles and the full CDN stream list in one call. The room
// reference is the numeric or vanity room id from huya.com/<room>.
type Huya struct {
	opts Options

	APIURL string // override in tests
}

func NewHuya(opts Options) *Huya {
	return &Huya{opts: opts, APIURL: "https://mp.huya.com"}
}

func (h *Huya) Resolve(ctx context.Context, ch registry.Channel) (*StreamDescriptor, error) {
	hc := h.opts.Client(ch)
	u := fmt.Sprintf("%s/cache.php?m=Live&do=profileRoom&roomid=%s", h.APIURL, ch.Room)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, Transient("huya", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient("huya", err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, Transient("huya", fmt.Errorf("profileRoom: %s", resp.Status))
		}
		return nil, Unsupported("huya", fmt.Errorf("profileRoom: %s", resp.Status))
	}
	var body struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
		Data    struct {
			LiveStatus string `json:"liveStatus"` // ON | OFF | REPLAY
			Profile    struct {
				Nick string `json:"nick"`
			} `json:"profileInfo"`
			LiveData struct {
				Introduction string `json:"introduction"`
			} `json:"liveData"`
			Stream struct {
				BaseSteamInfoList []struct {
					SCdnType     string `json:"sCdnType"`
					SStreamName  string `json:"sStreamName"`
					SFlvURL      string `json:"sFlvUrl"`
					SFlvURLSuf   string `json:"sFlvUrlSuffix"`
					SFlvAntiCode string `json:"sFlvAntiCode"`
				} `json:"baseSteamInfoList"`
				BitRateInfo []struct {
					SDisplayName string `json:"sDisplayName"`
					IBitRate     int    `json:"iBitRate"`
				} `json:"bitRateInfo"`
			} `json:"stream"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Unsupported("huya", fmt.Errorf("profileRoom decode: %w", err))
	}
	if body.Status != 200 {
		return nil, Unsupported("huya", fmt.Errorf("profileRoom: status %d: %s", body.Status, body.Message))
	}
	d := body.Data
	desc := &StreamDescriptor{Title: d.LiveData.Introduction, Anchor: d.Profile.Nick}
	if d.LiveStatus != "ON" {
		return desc, nil
	}
	desc.Live = true
	if len(d.Stream.BaseSteamInfoList) == 0 {
		return nil, Unsupported("huya", fmt.Errorf("live room with empty stream list"))
	}
	// CDN entries all carry the same content; take the first. Bitrate tiers
	// become variants via the ratio query parameter.
	s := d.Stream.BaseSteamInfoList[0]
	base := fmt.Sprintf("%s/%s.%s?%s", s.SFlvURL, s.SStreamName, orDefault(s.SFlvURLSuf, "flv"), s.SFlvAntiCode)
	rates := make([]struct {
		name string
		rate int
	}, 0, len(d.Stream.BitRateInfo))
	for _, br := range d.Stream.BitRateInfo {
		rates = append(rates, struct {
			name string
			rate int
		}{br.SDisplayName, br.IBitRate})
	}
	// iBitRate 0 is the origin tier, the source quality; it outranks every
	// numbered tier despite sorting lowest numerically.
	sort.SliceStable(rates, func(i, j int) bool {
		if (rates[i].rate == 0) != (rates[j].rate == 0) {
			return rates[i].rate == 0
		}
		return rates[i].rate > rates[j].rate
	})
	if len(rates) == 0 {
		desc.Variants = []Variant{{Label: "origin", URL: base, Container: "flv"}}
		return desc, nil
	}
	for _, r := range rates {
		u := base
		if r.rate > 0 {
			u = fmt.Sprintf("%s&ratio=%d", base, r.rate)
		}
		desc.Variants = append(desc.Variants, Variant{Label: r.name, URL: u, Container: "flv"})
	}
	return desc, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
