package models

// SearchResult is one organic search hit, optionally enriched with a
// per-URL summary. An empty Summary means the scrape/summarize pipeline
// failed for that URL.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// SearchEntry groups the results of one executed query. Entries are
// appended to the request context and never mutated.
type SearchEntry struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// SearchSource is the client-facing projection of a selected result,
// emitted in data-sources events before summarization begins.
type SearchSource struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Favicon string `json:"favicon,omitempty"`
}

// UserLocation is best-effort request origin metadata. All fields optional.
type UserLocation struct {
	Latitude  string `json:"lat,omitempty"`
	Longitude string `json:"lon,omitempty"`
	City      string `json:"city,omitempty"`
	Country   string `json:"country,omitempty"`
}

// IsZero reports whether no location information is present.
func (l UserLocation) IsZero() bool {
	return l.Latitude == "" && l.Longitude == "" && l.City == "" && l.Country == ""
}
