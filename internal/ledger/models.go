package ledger

// Session statuses.
const (
	SessionPlanning    = "planning"
	SessionResearching = "researching"
	SessionWriting     = "writing"
	SessionComplete    = "complete"
	SessionFailed      = "failed"
)

// Vector statuses. A vector only reaches verified through a positive audit
// verdict, and only reaches exhausted after its refinement budget is spent.
const (
	VectorPending   = "pending"
	VectorIngesting = "ingesting"
	VectorVerified  = "verified"
	VectorExhausted = "exhausted"
)

// Chunk kinds.
const (
	KindProse = "prose"
	KindTable = "table"
)

// Session is one research run: the user's question, the evolving outline,
// and eventually the final report. Once Report is set the session is
// immutable.
type Session struct {
	ID          string
	Query       string
	Outline     []string
	Report      *string
	Status      string
	CreatedAt   *string
	CompletedAt *string
}

// Vector is an atomic, independently verifiable research sub-question
// derived from one outline section.
type Vector struct {
	ID          string
	SessionID   string
	Section     string
	Topic       string
	Queries     []string // ordered, most specific last
	Status      string
	Refinements int
	Conflicts   []Conflict
	CreatedAt   *string
}

// CurrentQuery returns the most recently refined query for the vector.
func (v *Vector) CurrentQuery() string {
	if len(v.Queries) == 0 {
		return v.Topic
	}
	return v.Queries[len(v.Queries)-1]
}

// Conflict records two sources disagreeing on a fact for the same vector.
type Conflict struct {
	SourceA     string `json:"source_a"`
	SourceB     string `json:"source_b"`
	Description string `json:"description"`
}

// Chunk is one normalized span of evidence with full provenance. SourceID
// is the stable id cited in report output.
type Chunk struct {
	SourceID    string
	SessionID   string
	VectorID    *string // nullable: chunks may satisfy multiple vectors
	URL         string
	Title       string
	Heading     string
	Kind        string
	Position    int
	Content     string
	ContentHash string
	Published   *string // apparent publication signal, if any
	Embedding   []float64
	RetrievedAt *string
}

// Edge is one entity relationship extracted from a chunk, kept with chunk
// provenance so graph hits resolve back to citable evidence.
type Edge struct {
	SessionID string
	Subject   string
	Relation  string
	Object    string
	ChunkID   string
}
