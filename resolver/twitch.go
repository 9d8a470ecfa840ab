package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/onnwee/streamvault/registry"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

func init() {
	Register("twitch", func(opts Options) Resolver { return NewTwitch(opts) })
}

// twitchWebClientID is the public web player client id used for playback
// access token requests (the same one the browser player sends).
const twitchWebClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"

// Twitch resolves liveness via Helix (app access token from client
// credentials) and produces playable variants from the usher HLS master
// playlist, unlocked with a GQL playback access token.
type Twitch struct {
	opts     Options
	clientID string
	tokens   oauth2.TokenSource

	// Endpoint bases, overridable in tests.
	HelixURL string
	GQLURL   string
	UsherURL string
}

// NewTwitch builds the Twitch variant from TWITCH_CLIENT_ID /
// TWITCH_CLIENT_SECRET. Without credentials every resolve fails with
// AuthRequired until the operator supplies them.
func NewTwitch(opts Options) *Twitch {
	t := &Twitch{
		opts:     opts,
		clientID: os.Getenv("TWITCH_CLIENT_ID"),
		HelixURL: "https://api.twitch.tv/helix",
		GQLURL:   "https://gql.twitch.tv/gql",
		UsherURL: "https://usher.ttvnw.net",
	}
	secret := os.Getenv("TWITCH_CLIENT_SECRET")
	if t.clientID != "" && secret != "" {
		cc := &clientcredentials.Config{
			ClientID:     t.clientID,
			ClientSecret: secret,
			TokenURL:     "https://id.twitch.tv/oauth2/token",
		}
		t.tokens = cc.TokenSource(context.Background())
	}
	return t
}

func (t *Twitch) Resolve(ctx context.Context, ch registry.Channel) (*StreamDescriptor, error) {
	if t.tokens == nil {
		return nil, AuthRequired("twitch", fmt.Errorf("TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not configured"))
	}
	tok, err := t.tokens.Token()
	if err != nil {
		return nil, AuthRequired("twitch", fmt.Errorf("app token: %w", err))
	}
	hc := t.opts.Client(ch)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.HelixURL+"/streams", nil)
	if err != nil {
		return nil, Transient("twitch", err)
	}
	q := req.URL.Query()
	q.Set("user_login", ch.Room)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", t.clientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient("twitch", err)
	}
	defer closeBody(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, AuthRequired("twitch", fmt.Errorf("helix: %s", resp.Status))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, Transient("twitch", fmt.Errorf("helix: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, Unsupported("twitch", fmt.Errorf("helix: %s", resp.Status))
	}
	var body struct {
		Data []struct {
			Title    string `json:"title"`
			UserName string `json:"user_name"`
			Type     string `json:"type"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Unsupported("twitch", fmt.Errorf("helix decode: %w", err))
	}
	if len(body.Data) == 0 || body.Data[0].Type != "live" {
		return &StreamDescriptor{Live: false}, nil
	}
	desc := &StreamDescriptor{Live: true, Title: body.Data[0].Title, Anchor: body.Data[0].UserName}

	sig, token, err := t.playbackToken(ctx, hc, ch.Room)
	if err != nil {
		return nil, err
	}
	variants, err := t.fetchVariants(ctx, hc, ch.Room, sig, token)
	if err != nil {
		return nil, err
	}
	desc.Variants = variants
	return desc, nil
}

// playbackToken asks GQL for the signed playback access token the usher
// endpoint requires.
func (t *Twitch) playbackToken(ctx context.Context, hc *http.Client, login string) (sig, token string, err error) {
	payload := map[string]any{
		"operationName": "PlaybackAccessToken",
		"variables": map[string]any{
			"isLive":     true,
			"login":      login,
			"isVod":      false,
			"vodID":      "",
			"playerType": "embed",
		},
		"extensions": map[string]any{
			"persistedQuery": map[string]any{
				"version":    1,
				"sha256Hash": "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712",
			},
		},
	}
	buf, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.GQLURL, bytes.NewReader(buf))
	if err != nil {
		return "", "", Transient("twitch", err)
	}
	req.Header.Set("Client-Id", twitchWebClientID)
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return "", "", Transient("twitch", err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", "", Transient("twitch", fmt.Errorf("gql: %s", resp.Status))
		}
		return "", "", Unsupported("twitch", fmt.Errorf("gql: %s", resp.Status))
	}
	var body struct {
		Data struct {
			StreamPlaybackAccessToken struct {
				Value     string `json:"value"`
				Signature string `json:"signature"`
			} `json:"streamPlaybackAccessToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", Unsupported("twitch", fmt.Errorf("gql decode: %w", err))
	}
	tokv := body.Data.StreamPlaybackAccessToken
	if tokv.Value == "" || tokv.Signature == "" {
		return "", "", Unsupported("twitch", fmt.Errorf("gql: empty playback access token"))
	}
	return tokv.Signature, tokv.Value, nil
}

func (t *Twitch) fetchVariants(ctx context.Context, hc *http.Client, login, sig, token string) ([]Variant, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/channel/hls/%s.m3u8", t.UsherURL, login))
	if err != nil {
		return nil, Transient("twitch", err)
	}
	q := u.Query()
	q.Set("sig", sig)
	q.Set("token", token)
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "false")
	q.Set("fast_bread", "true")
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Transient("twitch", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, Transient("twitch", err)
	}
	defer closeBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, Transient("twitch", fmt.Errorf("usher: %s", resp.Status))
		}
		return nil, Unsupported("twitch", fmt.Errorf("usher: %s", resp.Status))
	}
	variants := parseMasterPlaylist(resp.Body, resp.Request.URL)
	if len(variants) == 0 {
		return nil, Unsupported("twitch", fmt.Errorf("usher: no variants in master playlist"))
	}
	return variants, nil
}

func closeBody(rc io.Closer) {
	if err := rc.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
