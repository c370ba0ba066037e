package config

import "time"

// MongoConfig holds the DocumentStore connection and the control-plane
// collection names. Watched namespaces come from agent definitions, not
// from here.
type MongoConfig struct {
	// URI is the connection string. Credentials belong in the environment
	// and are expanded into the YAML before parsing.
	URI string `yaml:"uri"`

	// Database is the control-plane database holding agents, executions,
	// resume tokens, and idempotency keys.
	Database string `yaml:"database"`

	AgentsCollection       string `yaml:"agents_collection"`
	ExecutionsCollection   string `yaml:"executions_collection"`
	ResumeTokensCollection string `yaml:"resume_tokens_collection"`
	IdempotencyCollection  string `yaml:"idempotency_collection"`

	ConnectTimeout         Duration `yaml:"connect_timeout"`
	ServerSelectionTimeout Duration `yaml:"server_selection_timeout"`
}

// DefaultMongoConfig returns the built-in MongoDB defaults.
func DefaultMongoConfig() *MongoConfig {
	return &MongoConfig{
		URI:                    "mongodb://localhost:27017",
		Database:               "mongoclaw",
		AgentsCollection:       "agents",
		ExecutionsCollection:   "executions",
		ResumeTokensCollection: "resume_tokens",
		IdempotencyCollection:  "idempotency_keys",
		ConnectTimeout:         Duration(10 * time.Second),
		ServerSelectionTimeout: Duration(10 * time.Second),
	}
}
