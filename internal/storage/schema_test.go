package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatementsKeepsTriggerBodies(t *testing.T) {
	stmts := splitStatements(sqliteSchema)

	var triggers []string
	for _, s := range stmts {
		if strings.HasPrefix(s, "CREATE TRIGGER") {
			triggers = append(triggers, s)
		}
	}
	require.Len(t, triggers, 3)
	for _, tr := range triggers {
		assert.True(t, strings.HasSuffix(tr, "END;"), "trigger split early: %s", tr)
		assert.Contains(t, tr, "INSERT INTO rcfile_notify")
	}
}

func TestSplitStatementsKeepsDollarQuotedBodies(t *testing.T) {
	stmts := splitStatements(postgresSchema)

	var fn string
	for _, s := range stmts {
		if strings.HasPrefix(s, "CREATE OR REPLACE FUNCTION") {
			fn = s
		}
	}
	require.NotEmpty(t, fn)
	assert.True(t, strings.HasSuffix(fn, "LANGUAGE plpgsql;"))
	assert.Contains(t, fn, "pg_notify('rcfile', 'd' || OLD.id)")

	last := stmts[len(stmts)-1]
	assert.True(t, strings.HasPrefix(last, "CREATE TRIGGER rcfile_notify_trigger"))
}

func TestSplitStatementsSkipsComments(t *testing.T) {
	stmts := splitStatements("-- leading\nCREATE TABLE a (x INTEGER);\n\n-- between\nCREATE TABLE b (y INTEGER);\n")
	assert.Equal(t, []string{"CREATE TABLE a (x INTEGER);", "CREATE TABLE b (y INTEGER);"}, stmts)
}

func TestDialectExpressions(t *testing.T) {
	sqlite := &Gateway{dialect: DialectSQLite}
	pg := &Gateway{dialect: DialectPostgres}

	assert.Equal(t, "f.lastmodified", sqlite.epochExpr("f.lastmodified"))
	assert.Equal(t, "CAST(EXTRACT(EPOCH FROM f.lastmodified) AS BIGINT)", pg.epochExpr("f.lastmodified"))
	assert.Equal(t, "?", sqlite.timestampArg())
	assert.Equal(t, "to_timestamp(?)", pg.timestampArg())
}
