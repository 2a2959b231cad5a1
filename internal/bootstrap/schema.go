package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// InitializeSchema creates the engine tables if they do not exist yet.
// Statements are idempotent so restarts are safe.
func InitializeSchema(db *sql.DB) error {
	log.Println("🔧 Initializing workflow engine schema...")

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	log.Println("✅ Workflow engine schema ready")
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS wf_definition (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		org_id VARCHAR(36) NOT NULL,
		code VARCHAR(100) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT NULL,
		entity_type VARCHAR(50) NOT NULL,
		activation_condition TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_by_id VARCHAR(36) NULL,
		created_date DATETIME NOT NULL,
		last_modified_date DATETIME NOT NULL,
		UNIQUE KEY uq_definition_code (org_id, code),
		KEY idx_definition_entity (org_id, entity_type, published)
	)`,

	`CREATE TABLE IF NOT EXISTS wf_step (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		definition_id VARCHAR(36) NOT NULL,
		code VARCHAR(100) NOT NULL,
		name VARCHAR(255) NOT NULL,
		step_type VARCHAR(20) NOT NULL,
		approvers TEXT NULL,
		condition_expr TEXT NOT NULL,
		outcome VARCHAR(20) NOT NULL DEFAULT '',
		layout_x DOUBLE NOT NULL DEFAULT 0,
		layout_y DOUBLE NOT NULL DEFAULT 0,
		UNIQUE KEY uq_step_code (definition_id, code),
		KEY idx_step_definition (definition_id)
	)`,

	`CREATE TABLE IF NOT EXISTS wf_transition (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		definition_id VARCHAR(36) NOT NULL,
		origin_step_id VARCHAR(36) NOT NULL,
		destination_step_id VARCHAR(36) NOT NULL,
		label VARCHAR(50) NOT NULL DEFAULT '',
		condition_expr TEXT NOT NULL,
		KEY idx_transition_definition (definition_id),
		KEY idx_transition_origin (origin_step_id)
	)`,

	`CREATE TABLE IF NOT EXISTS wf_instance (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		org_id VARCHAR(36) NOT NULL,
		definition_id VARCHAR(36) NOT NULL,
		entity_type VARCHAR(50) NOT NULL,
		entity_id VARCHAR(36) NOT NULL,
		state VARCHAR(20) NOT NULL,
		current_step_id VARCHAR(36) NULL,
		context_data TEXT NULL,
		priority INT NOT NULL DEFAULT 0,
		initiated_by_id VARCHAR(36) NOT NULL,
		started_date DATETIME NOT NULL,
		due_date DATETIME NULL,
		completed_date DATETIME NULL,
		result_data TEXT NULL,
		KEY idx_instance_entity (org_id, definition_id, entity_type, entity_id, state),
		KEY idx_instance_pending (org_id, state, priority, started_date),
		KEY idx_instance_due (state, due_date)
	)`,

	`CREATE TABLE IF NOT EXISTS wf_history (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		seq BIGINT NOT NULL AUTO_INCREMENT,
		instance_id VARCHAR(36) NOT NULL,
		step_id VARCHAR(36) NULL,
		actor_id VARCHAR(36) NULL,
		action VARCHAR(20) NOT NULL,
		comment TEXT NOT NULL,
		created_date DATETIME(6) NOT NULL,
		UNIQUE KEY uq_history_seq (seq),
		KEY idx_history_instance (instance_id, seq)
	)`,

	`CREATE TABLE IF NOT EXISTS wf_delegation (
		id VARCHAR(36) NOT NULL PRIMARY KEY,
		org_id VARCHAR(36) NOT NULL,
		user_id VARCHAR(36) NOT NULL,
		delegate_id VARCHAR(36) NOT NULL,
		definition_id VARCHAR(36) NULL,
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		reason TEXT NOT NULL,
		created_date DATETIME NOT NULL,
		KEY idx_delegation_delegator (org_id, user_id),
		KEY idx_delegation_delegate (org_id, delegate_id, active)
	)`,
}
