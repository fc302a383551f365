package sync0

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// FallbackEntry maps a known API path prefix to an offline message. The
// table is configuration supplied by the host application, not a compiled-in
// constant, since the real API surface can drift.
type FallbackEntry struct {
	Prefix  string `yaml:"prefix"`
	Message string `yaml:"message"`
}

type offlinePayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// FallbackTable generates synthetic, schema-valid responses for requests that
// miss both cache and network. Generate never fails.
type FallbackTable struct {
	entries []FallbackEntry
}

func NewFallbackTable(entries []FallbackEntry) *FallbackTable {
	return &FallbackTable{entries: entries}
}

// Generate builds the offline answer for a descriptor. Known prefixes get
// their configured message; everything else gets the generic payload. The
// response is success-range so callers treat it as a valid, degraded answer.
func (t *FallbackTable) Generate(desc RequestDescriptor) ResponseSnapshot {
	msg := "service unavailable"
	if u, err := url.Parse(desc.URL); err == nil {
		for _, e := range t.entries {
			if strings.HasPrefix(u.Path, e.Prefix) {
				msg = e.Message
				break
			}
		}
	}

	body, err := json.Marshal(offlinePayload{Status: "offline", Message: msg})
	if err != nil {
		body = []byte(`{"status":"offline","message":"service unavailable"}`)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set(markerHeader+"-Fallback", "1")
	return ResponseSnapshot{Status: http.StatusOK, Header: h, Body: body}
}
