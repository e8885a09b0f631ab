package ragcore

import (
	"os"
	"path/filepath"
)

// Config holds all configuration for the ragcore engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.ragcore/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	// Defaults to "ragcore". The file will be <DBName>.db inside the
	// storage directory (~/.ragcore/ or working dir).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath
	// is not explicitly set. Options: "home" (default) uses ~/.ragcore/,
	// "local" uses the current working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// LLM providers
	Chat        LLMConfig `json:"chat" yaml:"chat"`
	Embedding   LLMConfig `json:"embedding" yaml:"embedding"`
	Vision      LLMConfig `json:"vision" yaml:"vision"`
	Translation LLMConfig `json:"translation" yaml:"translation"` // optional: fast model for query translation (defaults to Chat)

	// Retrieval weights for RRF
	WeightVector float64 `json:"weight_vector" yaml:"weight_vector"`
	WeightFTS    float64 `json:"weight_fts" yaml:"weight_fts"`
	WeightGraph  float64 `json:"weight_graph" yaml:"weight_graph"`

	// Chunking. MaxChunkTokens is not read by the engine; ChunkOverlap is
	// passed to the chunker as the overlap between chunks, in words.
	MaxChunkTokens int `json:"max_chunk_tokens" yaml:"max_chunk_tokens"`
	ChunkOverlap   int `json:"chunk_overlap" yaml:"chunk_overlap"`

	// ChunkPolicy controls word-based chunk splitting. Zero fields fall
	// back to chunker.Policy's own defaults.
	ChunkTargetWords        int  `json:"chunk_target_words" yaml:"chunk_target_words"`
	ChunkMinWords           int  `json:"chunk_min_words" yaml:"chunk_min_words"`
	ChunkMaxChars           int  `json:"chunk_max_chars" yaml:"chunk_max_chars"`
	ChunkPreserveTables     bool `json:"chunk_preserve_tables" yaml:"chunk_preserve_tables"`
	ChunkSectionInheritance bool `json:"chunk_section_inheritance" yaml:"chunk_section_inheritance"`

	// Graph building
	SkipGraph        bool `json:"skip_graph" yaml:"skip_graph"`               // Skip knowledge graph extraction during ingest
	GraphConcurrency int  `json:"graph_concurrency" yaml:"graph_concurrency"` // Max parallel LLM calls for graph extraction (default 16)

	// Reasoning
	MaxRounds           int     `json:"max_rounds" yaml:"max_rounds"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`

	// Retrieval feature flags (chat orchestrator)
	UseRAG            bool `json:"use_rag" yaml:"use_rag"`
	UseReranker       bool `json:"use_reranker" yaml:"use_reranker"`
	UseHybrid         bool `json:"use_hybrid" yaml:"use_hybrid"`
	UseQueryExpansion bool `json:"use_query_expansion" yaml:"use_query_expansion"`
	UseCorrective     bool `json:"use_corrective" yaml:"use_corrective"`

	// Ingestion Coordinator
	IngestWorkers int `json:"ingest_workers" yaml:"ingest_workers"` // size of the N_ingest worker pool (default 4)

	// Session Bus
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr"`   // empty = degraded in-process mode
	SessionTTL int    `json:"session_ttl" yaml:"session_ttl"` // seconds, default 3600

	// Image captioning
	CaptionImages bool `json:"caption_images" yaml:"caption_images"` // Opt-in captioning flag; no code path reads it, so extracted images are not captioned

	// External parsing
	LlamaParse *LlamaParseConfig `json:"llamaparse,omitempty" yaml:"llamaparse,omitempty"`

	// Embedding dimensions (must match model)
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider string `json:"provider" yaml:"provider"` // ollama, lmstudio, openrouter, openai, groq, xai, gemini, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`
}

// LlamaParseConfig configures the LlamaParse external parsing service.
type LlamaParseConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// DefaultConfig returns a Config with sensible defaults for local inference.
// Database is stored in ~/.ragcore/ragcore.db by default.
func DefaultConfig() Config {
	return Config{
		DBName:     "ragcore",
		StorageDir: "home",
		Chat: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Embedding: LLMConfig{
			Provider: "ollama",
			Model:    "nomic-embed-text",
			BaseURL:  "http://localhost:11434",
		},
		Vision: LLMConfig{
			Provider: "ollama",
			Model:    "llama3.2-vision",
			BaseURL:  "http://localhost:11434",
		},
		WeightVector:            0.7,
		WeightFTS:               0.3,
		WeightGraph:             0.5,
		MaxChunkTokens:          1024,
		ChunkOverlap:            128,
		ChunkTargetWords:        1000,
		ChunkMinWords:           50,
		ChunkMaxChars:           8000,
		ChunkSectionInheritance: true,
		MaxRounds:               3,
		ConfidenceThreshold:     0.7,
		UseRAG:                  true,
		UseHybrid:               true,
		UseReranker:             true,
		UseQueryExpansion:       true,
		UseCorrective:           true,
		IngestWorkers:           4,
		SessionTTL:              3600,
		EmbeddingDim:            768,
	}
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "ragcore"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		dir := filepath.Join(home, ".ragcore")
		return filepath.Join(dir, name+".db")
	}
}
