package target

import "net/http"

var browserHeaders = [][2]string{
	{"User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/114.0"},
	{"Accept", "application/json, text/plain, */*"},
	{"Accept-Language", "en-US,en;q=0.5"},
	{"Sec-Fetch-Dest", "empty"},
	{"Sec-Fetch-Mode", "cors"},
	{"Sec-Fetch-Site", "same-origin"},
	{"Sec-GPC", "1"},
}

// Headers is the per-session request header set. It is a value: a fresh
// login yields a new Headers, the old one is never mutated.
type Headers struct {
	token string
}

func NewHeaders(token string) Headers { return Headers{token: token} }

func (h Headers) Token() string { return h.token }

func (h Headers) HTTP() http.Header {
	out := make(http.Header, len(browserHeaders)+1)
	for _, kv := range browserHeaders {
		out.Set(kv[0], kv[1])
	}
	if h.token != "" {
		out.Set("Authorization", "Bearer "+h.token)
	}
	return out
}
