package persistence

// Table names for the engine's schema. Kept as constants so queries and
// tests reference one spelling.
const (
	TableDefinition = "wf_definition"
	TableStep       = "wf_step"
	TableTransition = "wf_transition"
	TableInstance   = "wf_instance"
	TableHistory    = "wf_history"
	TableDelegation = "wf_delegation"
	TableUser       = "users"
)
