package search

// ClientRecord is the data we index for a client. Owner is the uid of
// the personal partition the record lives in, empty for shared records.
type ClientRecord struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Phone      string   `json:"phone"`
	Email      string   `json:"email"`
	FlatNumber string   `json:"flatNumber"`
	Tags       []string `json:"tags"`
	Status     string   `json:"status"`
	Owner      string   `json:"owner"`
}

// Query describes a client search request. Results are restricted to
// the caller's own records, plus shared records when IncludeShared is
// set (admin and manager roles).
type Query struct {
	Text          string
	OwnerUID      string
	IncludeShared bool
	Limit         int
	Offset        int
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Snippet    string `json:"snippet"`
	FlatNumber string `json:"flatNumber"`
	Status     string `json:"status"`
	Shared     bool   `json:"shared"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a client search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
