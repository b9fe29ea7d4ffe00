package model

// RunOutcome is the result of a linked measurement run.
type RunOutcome string

const (
	RunSuccess RunOutcome = "success"
	RunFailure RunOutcome = "failure"
	RunPartial RunOutcome = "partial"
)

// Observation is a single feature-extractable unit delivered by the
// ingestion pipeline: source text plus minimal structural metadata.
type Observation struct {
	ID          string   `json:"id"`
	Domain      string   `json:"domain"`
	Content     string   `json:"content"`
	Identifiers []string `json:"identifiers"`
	Imports     []string `json:"imports"`
	Keywords    []string `json:"keywords"` // pattern-indicator keywords found in the source
	Shape       Shape    `json:"shape"`
	Labels      []string `json:"labels"` // assigned training labels
	Context     []string `json:"context,omitempty"`
}

// Shape is a normalized structural descriptor of an observation. All fields
// are normalized to [0,1] by the ingestion pipeline so distances between
// shapes are scale-free.
type Shape struct {
	Depth       float64 `json:"depth"`
	Branching   float64 `json:"branching"`
	Length      float64 `json:"length"`
	CallDensity float64 `json:"call_density"`
}

// FeatureSet is the deterministic feature record extracted from one
// observation. All slice fields are sorted and deduplicated so iteration
// order never affects downstream hashing or comparison.
type FeatureSet struct {
	ObservationID string   `json:"observation_id"`
	Domain        string   `json:"domain"`
	Keywords      []string `json:"keywords"` // identifiers + imports, normalized
	Indicators    []string `json:"indicators"`
	Shape         Shape    `json:"shape"`
	Labels        []string `json:"labels"`
	Context       []string `json:"context,omitempty"`
}

// Cluster is a transient grouping of observations produced for one
// extraction batch. Clusters are not persisted; they are the input used to
// create or update pattern candidates.
type Cluster struct {
	ID      int      `json:"id"`
	Leader  string   `json:"leader"` // smallest observation ID in the cluster
	Medoid  string   `json:"medoid"`
	Members []string `json:"members"` // sorted observation IDs
}
