package persistence

import (
	"database/sql"
	"fmt"
)

// migration is one named, idempotent schema step. Applied migrations are
// recorded by name in the migrations table; a store opening an existing
// database applies only the names it has not yet recorded.
type migration struct {
	name       string
	statements []string
}

// migrationOrder is the fixed applied order. The 006/007 pair runs after
// 010/012: 006-integrations and 007-backfill-story-points were introduced
// for installations that had already applied the later-numbered migrations,
// and replaying them in numeric order would break those databases. Preserve
// this list verbatim.
//
//nolint:gochecknoglobals // Static migration registry
var migrationOrder = []migration{
	{
		name: "001-initial-schema",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS teams (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				repo_url TEXT NOT NULL DEFAULT '',
				repo_path TEXT NOT NULL DEFAULT '',
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL CHECK (type IN ('tech_lead','senior','intermediate','junior','qa','feature_test')),
				team_id TEXT REFERENCES teams(id),
				session_name TEXT,
				model TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle','working','blocked','terminated')),
				current_story_id TEXT,
				worktree_path TEXT,
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				terminated_at DATETIME
			)`,
			`CREATE TABLE IF NOT EXISTS stories (
				id TEXT PRIMARY KEY,
				team_id TEXT REFERENCES teams(id),
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				acceptance_criteria TEXT NOT NULL DEFAULT '[]',
				complexity_score INTEGER NOT NULL DEFAULT 5 CHECK (complexity_score BETWEEN 1 AND 13),
				status TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft','estimated','planned','in_progress','review','qa','qa_failed','pr_submitted','merged')),
				assigned_agent_id TEXT REFERENCES agents(id),
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			`CREATE TABLE IF NOT EXISTS story_dependencies (
				story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
				depends_on_story_id TEXT NOT NULL REFERENCES stories(id) ON DELETE CASCADE,
				PRIMARY KEY (story_id, depends_on_story_id),
				CHECK (story_id <> depends_on_story_id)
			)`,
			`CREATE TABLE IF NOT EXISTS pull_requests (
				id TEXT PRIMARY KEY,
				story_id TEXT REFERENCES stories(id),
				team_id TEXT REFERENCES teams(id),
				branch_name TEXT NOT NULL,
				code_host_pr_url TEXT,
				submitted_by TEXT NOT NULL DEFAULT '',
				reviewed_by TEXT,
				status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','reviewing','approved','merged','rejected','closed')),
				review_notes TEXT,
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			"CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status)",
			"CREATE INDEX IF NOT EXISTS idx_stories_team ON stories(team_id)",
			"CREATE INDEX IF NOT EXISTS idx_stories_agent ON stories(assigned_agent_id)",
			"CREATE INDEX IF NOT EXISTS idx_agents_team ON agents(team_id)",
			"CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)",
			"CREATE INDEX IF NOT EXISTS idx_prs_team_status ON pull_requests(team_id, status)",
			"CREATE INDEX IF NOT EXISTS idx_prs_story ON pull_requests(story_id)",
			"CREATE INDEX IF NOT EXISTS idx_depends_on ON story_dependencies(depends_on_story_id)",
		},
	},
	{
		name: "002-requirements",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS requirements (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','planning','planned','in_progress','completed')),
				godmode INTEGER NOT NULL DEFAULT 0,
				target_branch TEXT NOT NULL DEFAULT 'main',
				feature_branch TEXT,
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			"ALTER TABLE stories ADD COLUMN requirement_id TEXT REFERENCES requirements(id)",
			"CREATE INDEX IF NOT EXISTS idx_stories_requirement ON stories(requirement_id)",
		},
	},
	{
		name: "003-escalations",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS escalations (
				id TEXT PRIMARY KEY,
				story_id TEXT REFERENCES stories(id),
				from_agent_id TEXT REFERENCES agents(id),
				to_agent_id TEXT REFERENCES agents(id),
				reason TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','acknowledged','resolved')),
				resolution TEXT,
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			"CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status)",
		},
	},
	{
		name: "004-messages",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				from_session TEXT NOT NULL,
				to_session TEXT NOT NULL,
				subject TEXT,
				body TEXT NOT NULL,
				reply TEXT,
				status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','read','replied')),
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				read_at DATETIME
			)`,
			"CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_session)",
		},
	},
	{
		name: "005-event-log",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS event_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id TEXT NOT NULL,
				story_id TEXT,
				event_type TEXT NOT NULL,
				status TEXT,
				message TEXT,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			"CREATE INDEX IF NOT EXISTS idx_event_log_agent ON event_log(agent_id)",
			"CREATE INDEX IF NOT EXISTS idx_event_log_story ON event_log(story_id)",
		},
	},
	{
		name: "008-agent-cli-tool",
		statements: []string{
			"ALTER TABLE agents ADD COLUMN cli_tool TEXT NOT NULL DEFAULT 'claude'",
		},
	},
	{
		name: "009-story-branch",
		statements: []string{
			"ALTER TABLE stories ADD COLUMN branch_name TEXT",
			"ALTER TABLE stories ADD COLUMN pr_url TEXT",
		},
	},
	{
		name: "010-pr-numbers",
		statements: []string{
			"ALTER TABLE pull_requests ADD COLUMN code_host_pr_number INTEGER",
			"CREATE INDEX IF NOT EXISTS idx_prs_number ON pull_requests(code_host_pr_number)",
		},
	},
	{
		// Table rebuild: SQLite cannot alter a CHECK constraint in place, so
		// the requirements table is recreated with the sign_off statuses and
		// the rows copied across.
		name: "011-requirement-signoff",
		statements: []string{
			`CREATE TABLE requirements_new (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','planning','planned','in_progress','completed','sign_off','sign_off_failed','sign_off_passed')),
				godmode INTEGER NOT NULL DEFAULT 0,
				target_branch TEXT NOT NULL DEFAULT 'main',
				feature_branch TEXT,
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
				updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
			`INSERT INTO requirements_new (id, title, description, status, godmode, target_branch, feature_branch, created_at, updated_at)
				SELECT id, title, description, status, godmode, target_branch, feature_branch, created_at, updated_at FROM requirements`,
			"DROP TABLE requirements",
			"ALTER TABLE requirements_new RENAME TO requirements",
		},
	},
	{
		name: "012-story-external-links",
		statements: []string{
			"ALTER TABLE stories ADD COLUMN external_issue_key TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE stories ADD COLUMN external_issue_id TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE stories ADD COLUMN external_issue_provider TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE requirements ADD COLUMN external_epic_key TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE requirements ADD COLUMN external_epic_id TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE requirements ADD COLUMN external_epic_provider TEXT NOT NULL DEFAULT ''",
		},
	},
	{
		name: "006-integrations",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS integrations (
				provider TEXT PRIMARY KEY,
				config TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
			)`,
		},
	},
	{
		name: "007-backfill-story-points",
		statements: []string{
			"ALTER TABLE stories ADD COLUMN story_points INTEGER",
			"UPDATE stories SET story_points = complexity_score WHERE story_points IS NULL",
		},
	},
}

// runMigrations applies every migration whose name is not yet recorded, in
// the fixed order above. Fresh databases apply the full list.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		name TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}

	for i := range migrationOrder {
		m := &migrationOrder[i]
		if applied[m.name] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
	}
	return nil
}

func appliedMigrations(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations table: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migrations: %w", err)
	}
	return applied, nil
}

func applyMigration(db *sql.DB, m *migration) error {
	for _, stmt := range m.statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("statement failed: %s: %w", stmt, err)
		}
	}
	if _, err := db.Exec("INSERT INTO migrations (name) VALUES (?)", m.name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

// AppliedMigrationNames returns the recorded migration names in applied
// order. Insertion order is the applied order, so sort by rowid; applied_at
// has second granularity and ties across a fresh install.
func (s *Store) AppliedMigrationNames() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM migrations ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan migration name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
