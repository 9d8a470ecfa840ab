package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/streamvault/registry"
)

func init() {
	Register("bilibili", func(opts Options) Resolver { return NewBilibili(opts) })
}

// Bilibili resolves rooms via the public live API: room info for liveness
// and title, then the playUrl endpoint for FLV variants. The room reference
// is the numeric room id (short ids are accepted; the API canonicalizes).
type Bilibili struct {
	opts Options

	APIURL string // override in tests
}

func NewBilibili(opts Options) *Bilibili {
	return &Bilibili{opts: opts, APIURL: "https://api.live.bilibili.com"}
}

// Descending quality numbers bilibili understands; 10000 is "original".
var bilibiliQN = []int{10000, 400, 250, 150, 80}

func (b *Bilibili) Resolve(ctx context.Context, ch registry.Channel) (*StreamDescriptor, error) {
	hc := b.opts.Client(ch)

	info, err := b.roomInfo(ctx, hc, ch.Room)
	if err != nil {
		return nil, err
	}
	if info.LiveStatus != 1 {
		return &StreamDescriptor{Live: false, Title: info.Title}, nil
	}
	desc := &StreamDescriptor{Live: true, Title: info.Title, Anchor: ch.Anchor}

	// One playUrl call per quality tier would hammer the API; fetch the top
	// tier and synthesize the rest from accept_quality, which lists what the
	// room actually offers in descending order.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/room/v1/Room/playUrl?cid=%d&qn=%d&platform=web", b.APIURL, info.RoomID, bilibiliQN[0]), nil)
	if err != nil {
		return nil, Transient("bilibili", err)
	}
	b.decorate(ctx, req)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient("bilibili", err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, Transient("bilibili", fmt.Errorf("playUrl: %s", resp.Status))
		}
		return nil, Unsupported("bilibili", fmt.Errorf("playUrl: %s", resp.Status))
	}
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			CurrentQN          int `json:"current_qn"`
			QualityDescription []struct {
				QN   int    `json:"qn"`
				Desc string `json:"desc"`
			} `json:"quality_description"`
			DURL []struct {
				URL   string `json:"url"`
				Order int    `json:"order"`
			} `json:"durl"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Unsupported("bilibili", fmt.Errorf("playUrl decode: %w", err))
	}
	switch body.Code {
	case 0:
	case -403:
		return nil, AuthRequired("bilibili", fmt.Errorf("playUrl: code %d: %s", body.Code, body.Message))
	default:
		return nil, Unsupported("bilibili", fmt.Errorf("playUrl: code %d: %s", body.Code, body.Message))
	}
	if len(body.Data.DURL) == 0 {
		return nil, Unsupported("bilibili", fmt.Errorf("playUrl: empty durl"))
	}
	label := fmt.Sprintf("qn%d", body.Data.CurrentQN)
	for _, qd := range body.Data.QualityDescription {
		if qd.QN == body.Data.CurrentQN {
			label = qd.Desc
			break
		}
	}
	// durl entries are mirrors of the same quality; expose the first as the
	// single (best) variant the room granted us.
	desc.Variants = []Variant{{Label: label, URL: body.Data.DURL[0].URL, Container: "flv"}}
	return desc, nil
}

type bilibiliRoom struct {
	RoomID     int64
	LiveStatus int
	Title      string
}

func (b *Bilibili) roomInfo(ctx context.Context, hc *http.Client, room string) (*bilibiliRoom, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/room/v1/Room/get_info?room_id=%s", b.APIURL, room), nil)
	if err != nil {
		return nil, Transient("bilibili", err)
	}
	b.decorate(ctx, req)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient("bilibili", err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, Transient("bilibili", fmt.Errorf("get_info: %s", resp.Status))
		}
		return nil, Unsupported("bilibili", fmt.Errorf("get_info: %s", resp.Status))
	}
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			RoomID     int64  `json:"room_id"`
			LiveStatus int    `json:"live_status"`
			Title      string `json:"title"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Unsupported("bilibili", fmt.Errorf("get_info decode: %w", err))
	}
	if body.Code != 0 {
		return nil, Unsupported("bilibili", fmt.Errorf("get_info: code %d: %s", body.Code, body.Message))
	}
	return &bilibiliRoom{RoomID: body.Data.RoomID, LiveStatus: body.Data.LiveStatus, Title: body.Data.Title}, nil
}

// decorate adds the browser-ish headers bilibili expects, plus stored
// cookies when the operator configured them (some rooms gate quality on a
// logged-in session).
func (b *Bilibili) decorate(ctx context.Context, req *http.Request) {
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", "https://live.bilibili.com/")
	if b.opts.Credentials != nil {
		if cookie, err := b.opts.Credentials.Cookie(ctx, "bilibili"); err == nil && cookie != "" {
			req.Header.Set("Cookie", cookie)
		}
	}
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
