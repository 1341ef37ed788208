package storage

// Schema is the Postgres DDL for foreman entities. All statements are
// idempotent so Migrate can run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id                   TEXT PRIMARY KEY,
    short_id             TEXT NOT NULL,
    title                TEXT NOT NULL,
    description          TEXT NOT NULL DEFAULT '',
    category             TEXT NOT NULL,
    effort               TEXT NOT NULL DEFAULT 'medium',
    priority             INTEGER NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'pending',
    list_id              TEXT NOT NULL DEFAULT '',
    wave_position        INTEGER,
    retry_count          INTEGER NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_error_class     TEXT NOT NULL DEFAULT '',
    last_error_message   TEXT NOT NULL DEFAULT '',
    components           TEXT[] NOT NULL DEFAULT '{}',
    escalated            BOOLEAN NOT NULL DEFAULT FALSE,
    escalated_at         TIMESTAMPTZ,
    project_id           TEXT NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (list_id <> '' OR wave_position IS NULL)
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_list_wave_position
    ON tasks (list_id, wave_position) WHERE list_id <> '' AND wave_position IS NOT NULL;

CREATE TABLE IF NOT EXISTS task_lists (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    project_id          TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'draft',
    total_tasks         INTEGER NOT NULL DEFAULT 0,
    completed_tasks     INTEGER NOT NULL DEFAULT 0,
    failed_tasks        INTEGER NOT NULL DEFAULT 0,
    max_parallel_agents INTEGER NOT NULL DEFAULT 3,
    wave_count          INTEGER NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (completed_tasks + failed_tasks <= total_tasks)
);

CREATE TABLE IF NOT EXISTS file_impacts (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    path       TEXT NOT NULL,
    operation  TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    source     TEXT NOT NULL,
    accurate   BOOLEAN,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (task_id, path, operation)
);

CREATE TABLE IF NOT EXISTS impact_patterns (
    id         TEXT PRIMARY KEY,
    category   TEXT NOT NULL,
    path_glob  TEXT NOT NULL,
    operation  TEXT NOT NULL,
    accuracy   DOUBLE PRECISION NOT NULL,
    matches    INTEGER NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (category, path_glob, operation)
);

CREATE TABLE IF NOT EXISTS task_relationships (
    id             TEXT PRIMARY KEY,
    source_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    target_task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    type           TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (source_task_id, target_task_id, type),
    CHECK (source_task_id <> target_task_id)
);

CREATE TABLE IF NOT EXISTS execution_runs (
    id              TEXT PRIMARY KEY,
    list_id         TEXT NOT NULL REFERENCES task_lists(id),
    run_number      INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'created',
    total_tasks     INTEGER NOT NULL DEFAULT 0,
    completed_tasks INTEGER NOT NULL DEFAULT 0,
    failed_tasks    INTEGER NOT NULL DEFAULT 0,
    started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at        TIMESTAMPTZ,
    CHECK (completed_tasks + failed_tasks <= total_tasks)
);

CREATE UNIQUE INDEX IF NOT EXISTS execution_runs_one_active
    ON execution_runs (list_id)
    WHERE status NOT IN ('completed', 'failed', 'cancelled');

CREATE TABLE IF NOT EXISTS waves (
    id                  TEXT PRIMARY KEY,
    execution_id        TEXT NOT NULL REFERENCES execution_runs(id) ON DELETE CASCADE,
    number              INTEGER NOT NULL,
    task_ids            TEXT[] NOT NULL,
    max_parallel_agents INTEGER NOT NULL,
    status              TEXT NOT NULL DEFAULT 'pending',
    UNIQUE (execution_id, number)
);

CREATE TABLE IF NOT EXISTS agent_instances (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    execution_id    TEXT NOT NULL REFERENCES execution_runs(id) ON DELETE CASCADE,
    current_wave    INTEGER NOT NULL DEFAULT 0,
    current_task_id TEXT,
    status          TEXT NOT NULL DEFAULT 'idle',
    last_heartbeat  TIMESTAMPTZ NOT NULL DEFAULT now(),
    tasks_completed INTEGER NOT NULL DEFAULT 0,
    tasks_failed    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS failure_records (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    agent_id     TEXT NOT NULL DEFAULT '',
    attempt      INTEGER NOT NULL,
    class        TEXT NOT NULL,
    category     TEXT NOT NULL,
    message      TEXT NOT NULL,
    stdout       TEXT NOT NULL DEFAULT '',
    stderr       TEXT NOT NULL DEFAULT '',
    current_step TEXT NOT NULL DEFAULT '',
    file_path    TEXT NOT NULL DEFAULT '',
    stack        TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS failure_records_task_recent
    ON failure_records (task_id, created_at DESC);

CREATE TABLE IF NOT EXISTS escalations (
    id              TEXT PRIMARY KEY,
    task_id         TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
    list_id         TEXT NOT NULL DEFAULT '',
    reason          TEXT NOT NULL,
    context         TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    analyzed_at     TIMESTAMPTZ,
    analysis_result TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS grouping_suggestions (
    id            TEXT PRIMARY KEY,
    status        TEXT NOT NULL DEFAULT 'pending',
    task_ids      TEXT[] NOT NULL,
    proposed_name TEXT NOT NULL,
    reasons       TEXT[] NOT NULL DEFAULT '{}',
    score         DOUBLE PRECISION NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id                  TEXT PRIMARY KEY,
    bot_type            TEXT NOT NULL,
    chat_id             BIGINT NOT NULL,
    category            TEXT NOT NULL DEFAULT '',
    text                TEXT NOT NULL,
    task_id             TEXT,
    list_id             TEXT,
    agent_id            TEXT,
    upstream_message_id BIGINT,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
