package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Task definitions. The states graph is stored as one JSONB
			-- document; deletes are soft so cached copies stay valid.
			CREATE TABLE definitions (
				id VARCHAR(255) PRIMARY KEY,
				module VARCHAR(255) NOT NULL,
				trigger_expr VARCHAR(512) NOT NULL DEFAULT '',
				version INTEGER NOT NULL DEFAULT 1,
				states JSONB NOT NULL,
				initial_state VARCHAR(255) NOT NULL,
				final_states JSONB NOT NULL DEFAULT '[]',
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_definitions_module ON definitions(module);
			CREATE INDEX idx_definitions_enabled ON definitions(enabled);
			CREATE INDEX idx_definitions_deleted_at ON definitions(deleted_at);

			-- One row per task run; context is the opaque serialized
			-- snapshot the engine resumes from.
			CREATE TABLE runs (
				id UUID PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL,
				session_id VARCHAR(255) NOT NULL,
				current_state VARCHAR(255) NOT NULL,
				context JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'cancelled')),
				error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_runs_session_id ON runs(session_id);
			CREATE INDEX idx_runs_definition_id ON runs(definition_id);
			CREATE INDEX idx_runs_status ON runs(status);
			CREATE INDEX idx_runs_updated_at ON runs(updated_at);
		`,
	}
}
