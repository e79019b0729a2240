package model

// VectorCollection names one of the four fixed vector collections.
type VectorCollection string

const (
	CollectionEpisodic      VectorCollection = "episodic"
	CollectionSemantic      VectorCollection = "semantic"
	CollectionStoicWisdom   VectorCollection = "stoic_wisdom"
	CollectionPsychoanalysis VectorCollection = "psychoanalysis"
)

// AllCollections lists the four fixed collections, in a stable order, for
// administration and bootstrap code.
var AllCollections = []VectorCollection{
	CollectionEpisodic,
	CollectionSemantic,
	CollectionStoicWisdom,
	CollectionPsychoanalysis,
}

// VectorRecord is one document stored in a collection: an id, the source
// text, its embedding, and a flat string-keyed metadata map.
type VectorRecord struct {
	ID        string
	Document  string
	Embedding []float32
	Metadata  map[string]string
}

// VectorQueryResult is the result of a top-k query against a collection,
// sorted ascending by Distances (cosine distance, lower is closer).
type VectorQueryResult struct {
	IDs        []string
	Documents  []string
	Metadatas  []map[string]string
	Distances  []float64
}
