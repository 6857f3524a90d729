package db

const (
	kvTable        = "kv"
	candidateTable = "candidate"
)

// SchemaSQL contains the database schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- KV TABLE (batch jobs, item results, reviews, cache envelopes)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS kv SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS key ON kv TYPE string;
    DEFINE FIELD IF NOT EXISTS value ON kv TYPE bytes;
    DEFINE FIELD IF NOT EXISTS updated ON kv TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS kv_key ON kv FIELDS key UNIQUE;

    -- ==========================================================================
    -- CANDIDATE TABLE (nodes awaiting annotation)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS candidate SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS input ON candidate TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS labels ON candidate TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS created ON candidate TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS candidate_labels ON candidate FIELDS labels;
`
