// Copyright 2024 Rc2Compute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = "1"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// Sequence names used for id allocation.
const (
	FileSequence  = "rcfile_seq"
	ImageSequence = "sessionimage_seq"
)

// DefaultChannel is the notification channel the rcfile triggers publish on.
const DefaultChannel = "rcfile"

// BuildDSN builds a libsql DSN for a database file path.
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s", path)
}

// sqliteSchema emulates the server schema for single host setups and tests.
// Sequences are rows in a table, and NOTIFY is a trigger-fed notify table.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sequences (
    name TEXT PRIMARY KEY,
    value INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO sequences (name, value) VALUES ('rcfile_seq', 0);
INSERT OR IGNORE INTO sequences (name, value) VALUES ('sessionimage_seq', 0);

CREATE TABLE IF NOT EXISTS rcfile (
    id INTEGER PRIMARY KEY,
    wspaceid INTEGER NOT NULL DEFAULT 0,
    projectid INTEGER NOT NULL DEFAULT 0,
    name TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    datecreated INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    lastmodified INTEGER NOT NULL,
    filesize INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rcfile_wspace ON rcfile(wspaceid);
CREATE INDEX IF NOT EXISTS idx_rcfile_project ON rcfile(projectid);

CREATE TABLE IF NOT EXISTS rcfiledata (
    id INTEGER PRIMARY KEY REFERENCES rcfile(id) ON DELETE CASCADE,
    bindata BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS sessionimage (
    id INTEGER PRIMARY KEY,
    sessionid INTEGER NOT NULL,
    batchid INTEGER NOT NULL,
    name TEXT NOT NULL,
    title TEXT,
    datecreated INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    imgdata BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessionimage_batch ON sessionimage(sessionid, batchid);

CREATE TABLE IF NOT EXISTS rcworkspacedata (
    id INTEGER PRIMARY KEY,
    bindata BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS rcfile_notify (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);

CREATE TRIGGER IF NOT EXISTS rcfile_notify_insert AFTER INSERT ON rcfile
BEGIN
    INSERT INTO rcfile_notify (channel, payload)
    VALUES ('rcfile', 'i' || NEW.id || '/' || NEW.wspaceid || '/' || NEW.projectid);
END;

CREATE TRIGGER IF NOT EXISTS rcfile_notify_update AFTER UPDATE ON rcfile
BEGIN
    INSERT INTO rcfile_notify (channel, payload)
    VALUES ('rcfile', 'u' || NEW.id || '/' || NEW.wspaceid || '/' || NEW.projectid);
END;

CREATE TRIGGER IF NOT EXISTS rcfile_notify_delete AFTER DELETE ON rcfile
BEGIN
    INSERT INTO rcfile_notify (channel, payload) VALUES ('rcfile', 'd' || OLD.id);
END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE SEQUENCE IF NOT EXISTS rcfile_seq;
CREATE SEQUENCE IF NOT EXISTS sessionimage_seq;

CREATE TABLE IF NOT EXISTS rcfile (
    id BIGINT PRIMARY KEY DEFAULT nextval('rcfile_seq'),
    wspaceid BIGINT NOT NULL DEFAULT 0,
    projectid BIGINT NOT NULL DEFAULT 0,
    name TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    datecreated TIMESTAMP NOT NULL DEFAULT now(),
    lastmodified TIMESTAMP NOT NULL DEFAULT now(),
    filesize BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_rcfile_wspace ON rcfile(wspaceid);
CREATE INDEX IF NOT EXISTS idx_rcfile_project ON rcfile(projectid);

CREATE TABLE IF NOT EXISTS rcfiledata (
    id BIGINT PRIMARY KEY REFERENCES rcfile(id) ON DELETE CASCADE,
    bindata BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS sessionimage (
    id BIGINT PRIMARY KEY DEFAULT nextval('sessionimage_seq'),
    sessionid BIGINT NOT NULL,
    batchid INTEGER NOT NULL,
    name TEXT NOT NULL,
    title TEXT,
    datecreated TIMESTAMP NOT NULL DEFAULT now(),
    imgdata BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessionimage_batch ON sessionimage(sessionid, batchid);

CREATE TABLE IF NOT EXISTS rcworkspacedata (
    id BIGINT PRIMARY KEY,
    bindata BYTEA NOT NULL
);

CREATE OR REPLACE FUNCTION rcfile_notify() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        PERFORM pg_notify('rcfile', 'd' || OLD.id);
        RETURN OLD;
    ELSIF TG_OP = 'INSERT' THEN
        PERFORM pg_notify('rcfile', 'i' || NEW.id || '/' || NEW.wspaceid || '/' || NEW.projectid);
    ELSE
        PERFORM pg_notify('rcfile', 'u' || NEW.id || '/' || NEW.wspaceid || '/' || NEW.projectid);
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS rcfile_notify_trigger ON rcfile;
CREATE TRIGGER rcfile_notify_trigger AFTER INSERT OR UPDATE OR DELETE ON rcfile
    FOR EACH ROW EXECUTE FUNCTION rcfile_notify();
`

// InitSchema creates any missing tables, sequences and notification triggers.
func (g *Gateway) InitSchema(ctx context.Context) error {
	script := sqliteSchema
	if g.dialect == DialectPostgres {
		script = postgresSchema
	}
	if err := execStatements(ctx, g.db.DB, script); err != nil {
		return g.dbError("create schema", 0, err)
	}
	_, err := g.db.NewInsert().
		Model(&SchemaInfoModel{Key: "version", Value: SchemaVersion}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	if err != nil {
		return g.dbError("record schema version", 0, err)
	}
	return nil
}

// RecordedSchemaVersion returns the schema version stored in schema_info, or "" if none.
func (g *Gateway) RecordedSchemaVersion(ctx context.Context) (string, error) {
	var info SchemaInfoModel
	err := g.db.NewSelect().Model(&info).Where("key = ?", "version").Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", g.dbError("read schema version", 0, err)
	}
	return info.Value, nil
}

// execStatements executes each statement of a script separately; libsql does
// not accept multi-statement Exec.
func execStatements(ctx context.Context, db *sql.DB, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w (statement: %.60s)", err, stmt)
		}
	}
	return nil
}

// splitStatements splits a SQL script on lines ending in ';'. Trigger bodies
// (BEGIN ... END;) and dollar quoted function bodies are kept whole.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inBody := false
	inDollar := false

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.Count(trimmed, "$$")%2 == 1 {
			inDollar = !inDollar
		}
		upper := strings.ToUpper(trimmed)
		if !inDollar && upper == "BEGIN" {
			inBody = true
		}
		if inBody && upper == "END;" {
			inBody = false
		}
		if !inBody && !inDollar && strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
