package resolver

import (
	"bufio"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// parseMasterPlaylist extracts quality variants from an HLS master playlist.
// Variants come back ordered by descending bandwidth. Relative media URIs
// are resolved against base. Platforms that serve a master playlist (Twitch,
// YouTube) share this; FLV-based platforms build variants directly.
func parseMasterPlaylist(r io.Reader, base *url.URL) []Variant {
	type row struct {
		label     string
		bandwidth int64
		uri       string
	}
	var rows []row
	var pending *row
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttrs(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			rw := row{}
			if v := attrs["BANDWIDTH"]; v != "" {
				rw.bandwidth, _ = strconv.ParseInt(v, 10, 64)
			}
			// VIDEO (Twitch) or RESOLUTION make the friendliest labels.
			if v := attrs["VIDEO"]; v != "" {
				rw.label = v
			} else if v := attrs["RESOLUTION"]; v != "" {
				if i := strings.IndexByte(v, 'x'); i >= 0 {
					rw.label = v[i+1:] + "p"
				} else {
					rw.label = v
				}
			}
			pending = &rw
		case line == "" || strings.HasPrefix(line, "#"):
			// ignore
		default:
			if pending == nil {
				continue
			}
			pending.uri = line
			if base != nil {
				if u, err := url.Parse(line); err == nil {
					pending.uri = base.ResolveReference(u).String()
				}
			}
			if pending.label == "" {
				pending.label = strconv.FormatInt(pending.bandwidth, 10)
			}
			rows = append(rows, *pending)
			pending = nil
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].bandwidth > rows[j].bandwidth })
	out := make([]Variant, 0, len(rows))
	for _, rw := range rows {
		out = append(out, Variant{Label: rw.label, URL: rw.uri, Container: "ts"})
	}
	return out
}

// parseAttrs splits an m3u8 attribute list, honoring quoted values that may
// contain commas.
func parseAttrs(s string) map[string]string {
	out := map[string]string{}
	var key strings.Builder
	var val strings.Builder
	inVal, quoted := false, false
	flush := func() {
		k := strings.TrimSpace(key.String())
		if k != "" {
			out[k] = strings.Trim(val.String(), `"`)
		}
		key.Reset()
		val.Reset()
		inVal, quoted = false, false
	}
	for _, r := range s {
		switch {
		case r == '"' && inVal:
			quoted = !quoted
			val.WriteRune(r)
		case r == '=' && !inVal:
			inVal = true
		case r == ',' && !quoted:
			flush()
		case inVal:
			val.WriteRune(r)
		default:
			key.WriteRune(r)
		}
	}
	flush()
	return out
}
