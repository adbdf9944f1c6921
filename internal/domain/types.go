package domain

// Metadata is the provenance attached to every indexed chunk.
type Metadata struct {
	Source string `json:"source,omitempty"`
	Page   int    `json:"page,omitempty"`
}

// Chunk is a bounded span of corpus text together with its embedding.
type Chunk struct {
	ID        int       `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	Page      int       `json:"page,omitempty"`
	Embedding []float32 `json:"-"`
}

// Metadata returns the chunk provenance.
func (c Chunk) Metadata() Metadata { return Metadata{Source: c.Source, Page: c.Page} }

// RetrievalResult is a chunk matched for a query. RerankScore is nil until
// the reranker has scored the candidate.
type RetrievalResult struct {
	Chunk            Chunk
	CoarseSimilarity float64
	RerankScore      *float64
}

// Score returns the rerank score when present, otherwise the coarse similarity.
func (r RetrievalResult) Score() float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.CoarseSimilarity
}

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// ConversationTurn is a single utterance in the interactive session.
type ConversationTurn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// QueryType classifies how a query depends on the conversation.
type QueryType string

const (
	QueryContextDependent   QueryType = "context_dependent"
	QueryComparative        QueryType = "comparative"
	QueryAmbiguousReference QueryType = "ambiguous_reference"
	QueryMultiIntent        QueryType = "multi_intent"
	QueryRhetorical         QueryType = "rhetorical"
	QueryNone               QueryType = "none"
	QueryUnknown            QueryType = "unknown"
)

// RewriteDecision is the classifier output for one turn.
type RewriteDecision struct {
	QueryType      QueryType `json:"query_type"`
	RewrittenQuery string    `json:"rewritten_query"`
	Confidence     float64   `json:"confidence"`
}

// Answer is the generated reply plus the sources it was grounded on.
type Answer struct {
	Text     string
	Sources  []RetrievalResult
	Degraded bool
}
