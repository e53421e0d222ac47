package overlay

import (
	"net/url"
	"strconv"
	"strings"
)

// Host says where the overlay is rendered.
type Host string

const (
	HostBrowser Host = "browser"
	HostOBS     Host = "obs"
)

// Params are the overlay query parameters.
type Params struct {
	SessionID    string `json:"sessionId"`
	Source       string `json:"source,omitempty"`
	Target       string `json:"target,omitempty"`
	Controls     bool   `json:"controls"`
	ShowOriginal bool   `json:"showOriginal"`
	Debug        bool   `json:"debug"`
	Host         Host   `json:"host"`
}

// ParseParams reads overlay parameters from a query string. Unknown hosts
// fall back to the browser.
func ParseParams(q url.Values) Params {
	p := Params{
		SessionID:    strings.TrimSpace(q.Get("sessionId")),
		Source:       strings.TrimSpace(q.Get("source")),
		Target:       strings.TrimSpace(q.Get("target")),
		Controls:     flag(q, "controls"),
		ShowOriginal: flag(q, "showOriginal"),
		Debug:        flag(q, "debug"),
		Host:         HostBrowser,
	}
	if strings.EqualFold(strings.TrimSpace(q.Get("host")), string(HostOBS)) {
		p.Host = HostOBS
	}
	return p
}

// Values renders p back into a query string.
func (p Params) Values() url.Values {
	q := url.Values{}
	if p.SessionID != "" {
		q.Set("sessionId", p.SessionID)
	}
	if p.Source != "" {
		q.Set("source", p.Source)
	}
	if p.Target != "" {
		q.Set("target", p.Target)
	}
	if p.Controls {
		q.Set("controls", "true")
	}
	if p.ShowOriginal {
		q.Set("showOriginal", "true")
	}
	if p.Debug {
		q.Set("debug", "true")
	}
	if p.Host != "" {
		q.Set("host", string(p.Host))
	}
	return q
}

// flag treats a present key with an empty value as true ("?debug").
func flag(q url.Values, key string) bool {
	if !q.Has(key) {
		return false
	}
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
