// Package search provides full-text search over governance history:
// proposals (reasoning and description) and executed resolution decisions.
// Meilisearch is the primary backend; postgres FTS is the fallback.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultProposal ResultType = "proposal"
	ResultDecision ResultType = "decision"
)

// Result is a single search hit.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	ProposalID string     `json:"proposalId"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	Status     string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ProposalRecord is the data indexed for a proposal.
type ProposalRecord struct {
	ID           string `json:"id"`
	Description  string `json:"description"`
	Reasoning    string `json:"reasoning"`
	ConflictKind string `json:"conflictKind"`
	Trigger      string `json:"trigger"`
	Status       string `json:"status"`
}

// DecisionRecord is the data indexed for an executed resolution.
type DecisionRecord struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposalId"`
	Kind       string `json:"kind"`
	Outcome    string `json:"outcome"`
	Reasoning  string `json:"reasoning"`
}
