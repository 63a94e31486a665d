package sqlite

var schema = []string{
	`CREATE TABLE IF NOT EXISTS evidence_items (
  id                VARCHAR(64)  PRIMARY KEY,
  case_ref          VARCHAR(128) NOT NULL,
  original_filename VARCHAR(512) NOT NULL,
  content_type      VARCHAR(255) NOT NULL,
  evidence_type     VARCHAR(32)  NOT NULL,
  description       TEXT         NOT NULL,
  size              BIGINT       NOT NULL,
  sha256            CHAR(64)     NOT NULL,
  sha512            CHAR(128)    NOT NULL,
  key_ref           VARCHAR(255) NOT NULL,
  blob_key          VARCHAR(255) NOT NULL UNIQUE,
  uploaded_by       VARCHAR(128) NOT NULL,
  state             VARCHAR(32)  NOT NULL,
  created_at        BIGINT       NOT NULL,
  updated_at        BIGINT       NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS evidence_items_case ON evidence_items(case_ref, created_at)`,
	`CREATE TABLE IF NOT EXISTS custody_events (
  evidence_id   VARCHAR(64)  NOT NULL REFERENCES evidence_items(id),
  seq           BIGINT       NOT NULL,
  action        VARCHAR(32)  NOT NULL,
  actor         VARCHAR(128) NOT NULL,
  client_origin VARCHAR(255) NOT NULL,
  user_agent    VARCHAR(512) NOT NULL,
  notes         TEXT         NOT NULL,
  ts            BIGINT       NOT NULL,
  verified      SMALLINT     NOT NULL,
  sha256_calc   VARCHAR(64)  NOT NULL,
  sha512_calc   VARCHAR(128) NOT NULL,
  sha256_match  SMALLINT     NOT NULL,
  sha512_match  SMALLINT     NOT NULL,
  auth_ok       SMALLINT     NOT NULL,
  task_id       VARCHAR(64)  NOT NULL,
  result_id     VARCHAR(64)  NOT NULL,
  prev_hash     CHAR(64)     NOT NULL,
  record_hash   CHAR(64)     NOT NULL,
  signature     CHAR(64)     NOT NULL,
  PRIMARY KEY (evidence_id, seq)
)`,
	`CREATE TABLE IF NOT EXISTS analysis_tasks (
  id               VARCHAR(64)  PRIMARY KEY,
  evidence_id      VARCHAR(64)  NOT NULL REFERENCES evidence_items(id),
  plugin           VARCHAR(64)  NOT NULL,
  state            VARCHAR(16)  NOT NULL,
  attempt          INT          NOT NULL,
  max_attempts     INT          NOT NULL,
  progress         INT          NOT NULL,
  next_retry_at    BIGINT       NOT NULL,
  result_id        VARCHAR(64)  NOT NULL,
  last_error       TEXT         NOT NULL,
  lease_owner      VARCHAR(128) NOT NULL,
  lease_expires_at BIGINT       NOT NULL,
  claimed_at       BIGINT       NOT NULL,
  cancel_requested SMALLINT     NOT NULL,
  actor            VARCHAR(128) NOT NULL,
  client_origin    VARCHAR(255) NOT NULL,
  created_at       BIGINT       NOT NULL,
  updated_at       BIGINT       NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS analysis_tasks_due ON analysis_tasks(state, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS analysis_tasks_evidence ON analysis_tasks(evidence_id)`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
  task_id       VARCHAR(64)  NOT NULL REFERENCES analysis_tasks(id),
  attempt       INT          NOT NULL,
  worker        VARCHAR(128) NOT NULL,
  outcome       VARCHAR(16)  NOT NULL,
  error_message TEXT         NOT NULL,
  started_at    BIGINT       NOT NULL,
  finished_at   BIGINT       NOT NULL,
  PRIMARY KEY (task_id, attempt)
)`,
	`CREATE TABLE IF NOT EXISTS analysis_results (
  id             VARCHAR(64)  PRIMARY KEY,
  evidence_id    VARCHAR(64)  NOT NULL REFERENCES evidence_items(id),
  task_id        VARCHAR(64)  NOT NULL UNIQUE,
  plugin         VARCHAR(64)  NOT NULL,
  plugin_version VARCHAR(32)  NOT NULL,
  success        SMALLINT     NOT NULL,
  payload        TEXT         NOT NULL,
  error_message  TEXT         NOT NULL,
  actor          VARCHAR(128) NOT NULL,
  created_at     BIGINT       NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS analysis_results_evidence ON analysis_results(evidence_id, created_at)`,

	// integrity columns never change and state never leaves INTEGRITY_FAILED
	`CREATE TRIGGER IF NOT EXISTS evidence_items_guard BEFORE UPDATE ON evidence_items
WHEN NEW.id <> OLD.id OR NEW.sha256 <> OLD.sha256 OR NEW.sha512 <> OLD.sha512
  OR NEW.size <> OLD.size OR NEW.key_ref <> OLD.key_ref OR NEW.blob_key <> OLD.blob_key
  OR NEW.created_at <> OLD.created_at
  OR (OLD.state = 'INTEGRITY_FAILED' AND NEW.state <> OLD.state)
BEGIN SELECT RAISE(ABORT, 'evidence integrity fields are immutable'); END`,
	`CREATE TRIGGER IF NOT EXISTS evidence_items_no_delete BEFORE DELETE ON evidence_items
BEGIN SELECT RAISE(ABORT, 'evidence items cannot be deleted'); END`,
	`CREATE TRIGGER IF NOT EXISTS custody_events_no_update BEFORE UPDATE ON custody_events
BEGIN SELECT RAISE(ABORT, 'custody_events is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS custody_events_no_delete BEFORE DELETE ON custody_events
BEGIN SELECT RAISE(ABORT, 'custody_events is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS analysis_results_no_update BEFORE UPDATE ON analysis_results
BEGIN SELECT RAISE(ABORT, 'analysis_results is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS analysis_results_no_delete BEFORE DELETE ON analysis_results
BEGIN SELECT RAISE(ABORT, 'analysis_results is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS task_attempts_no_update BEFORE UPDATE ON task_attempts
BEGIN SELECT RAISE(ABORT, 'task_attempts is append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS task_attempts_no_delete BEFORE DELETE ON task_attempts
BEGIN SELECT RAISE(ABORT, 'task_attempts is append-only'); END`,
}
