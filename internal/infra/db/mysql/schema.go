package mysql

// Triggers need MySQL 8.0.29+ for CREATE TRIGGER IF NOT EXISTS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS evidence_items (
  id                VARCHAR(64)  NOT NULL PRIMARY KEY,
  case_ref          VARCHAR(128) NOT NULL,
  original_filename VARCHAR(512) NOT NULL,
  content_type      VARCHAR(255) NOT NULL,
  evidence_type     VARCHAR(32)  NOT NULL,
  description       TEXT         NOT NULL,
  size              BIGINT       NOT NULL,
  sha256            CHAR(64)     NOT NULL,
  sha512            CHAR(128)    NOT NULL,
  key_ref           VARCHAR(255) NOT NULL,
  blob_key          VARCHAR(255) NOT NULL,
  uploaded_by       VARCHAR(128) NOT NULL,
  state             VARCHAR(32)  NOT NULL,
  created_at        BIGINT       NOT NULL,
  updated_at        BIGINT       NOT NULL,
  UNIQUE KEY evidence_items_blob (blob_key),
  KEY evidence_items_case (case_ref, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS custody_events (
  evidence_id   VARCHAR(64)  NOT NULL,
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
  PRIMARY KEY (evidence_id, seq),
  CONSTRAINT custody_events_item FOREIGN KEY (evidence_id) REFERENCES evidence_items(id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS analysis_tasks (
  id               VARCHAR(64)  NOT NULL PRIMARY KEY,
  evidence_id      VARCHAR(64)  NOT NULL,
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
  updated_at       BIGINT       NOT NULL,
  KEY analysis_tasks_due (state, next_retry_at),
  KEY analysis_tasks_evidence (evidence_id),
  CONSTRAINT analysis_tasks_item FOREIGN KEY (evidence_id) REFERENCES evidence_items(id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
  task_id       VARCHAR(64)  NOT NULL,
  attempt       INT          NOT NULL,
  worker        VARCHAR(128) NOT NULL,
  outcome       VARCHAR(16)  NOT NULL,
  error_message TEXT         NOT NULL,
  started_at    BIGINT       NOT NULL,
  finished_at   BIGINT       NOT NULL,
  PRIMARY KEY (task_id, attempt),
  CONSTRAINT task_attempts_task FOREIGN KEY (task_id) REFERENCES analysis_tasks(id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS analysis_results (
  id             VARCHAR(64)  NOT NULL PRIMARY KEY,
  evidence_id    VARCHAR(64)  NOT NULL,
  task_id        VARCHAR(64)  NOT NULL,
  plugin         VARCHAR(64)  NOT NULL,
  plugin_version VARCHAR(32)  NOT NULL,
  success        SMALLINT     NOT NULL,
  payload        MEDIUMTEXT   NOT NULL,
  error_message  TEXT         NOT NULL,
  actor          VARCHAR(128) NOT NULL,
  created_at     BIGINT       NOT NULL,
  UNIQUE KEY analysis_results_task (task_id),
  KEY analysis_results_evidence (evidence_id, created_at),
  CONSTRAINT analysis_results_item FOREIGN KEY (evidence_id) REFERENCES evidence_items(id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TRIGGER IF NOT EXISTS evidence_items_guard BEFORE UPDATE ON evidence_items FOR EACH ROW
BEGIN
  IF NEW.id <> OLD.id OR NEW.sha256 <> OLD.sha256 OR NEW.sha512 <> OLD.sha512
     OR NEW.size <> OLD.size OR NEW.key_ref <> OLD.key_ref OR NEW.blob_key <> OLD.blob_key
     OR NEW.created_at <> OLD.created_at
     OR (OLD.state = 'INTEGRITY_FAILED' AND NEW.state <> OLD.state) THEN
    SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'evidence integrity fields are immutable';
  END IF;
END`,
	`CREATE TRIGGER IF NOT EXISTS evidence_items_no_delete BEFORE DELETE ON evidence_items FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'evidence items cannot be deleted'`,
	`CREATE TRIGGER IF NOT EXISTS custody_events_no_update BEFORE UPDATE ON custody_events FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'custody_events is append-only'`,
	`CREATE TRIGGER IF NOT EXISTS custody_events_no_delete BEFORE DELETE ON custody_events FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'custody_events is append-only'`,
	`CREATE TRIGGER IF NOT EXISTS analysis_results_no_update BEFORE UPDATE ON analysis_results FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'analysis_results is append-only'`,
	`CREATE TRIGGER IF NOT EXISTS analysis_results_no_delete BEFORE DELETE ON analysis_results FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'analysis_results is append-only'`,
	`CREATE TRIGGER IF NOT EXISTS task_attempts_no_update BEFORE UPDATE ON task_attempts FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'task_attempts is append-only'`,
	`CREATE TRIGGER IF NOT EXISTS task_attempts_no_delete BEFORE DELETE ON task_attempts FOR EACH ROW
SIGNAL SQLSTATE '45000' SET MESSAGE_TEXT = 'task_attempts is append-only'`,
}
