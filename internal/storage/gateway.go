// Package storage is the database gateway for the session: file metadata and
// content, captured images, workspace data, id sequences and change notifications.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"

	// Registers the "libsql" database/sql driver.
	_ "github.com/tursodatabase/go-libsql"

	"github.com/wvuRc2/rc2compute/internal/common"
	"github.com/wvuRc2/rc2compute/internal/util"
)

// Dialect is the SQL flavour behind a Gateway.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Options configures Open.
type Options struct {
	Driver       Dialect
	DSN          string
	BusyTimeout  int           // milliseconds, SQLite only
	Channel      string        // notification channel, default "rcfile"
	PollInterval time.Duration // SQLite notification polling, default 100ms
}

// Gateway wraps the session database connection.
// Statements run on a single connection; callers must not issue them concurrently.
type Gateway struct {
	db      *bun.DB
	dialect Dialect
	opts    Options

	// commits counts transactions committed through this gateway. The SQLite
	// listener uses it because data_version only moves for other connections.
	commits atomic.Int64
}

// Open connects to the database named by opts.
func Open(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	switch opts.Driver {
	case "", DialectSQLite:
		opts.Driver = DialectSQLite
		return openSQLite(ctx, opts)
	case DialectPostgres:
		return openPostgres(ctx, opts)
	}
	return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
}

func openSQLite(ctx context.Context, opts Options) (*Gateway, error) {
	dsn := opts.DSN
	if dsn == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	if !strings.HasPrefix(dsn, "file:") && !strings.Contains(dsn, "://") {
		dsn = BuildDSN(dsn)
	}

	sqldb, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	if err := applyPragmas(sqldb, busy); err != nil {
		sqldb.Close()
		return nil, err
	}

	g := &Gateway{db: bun.NewDB(sqldb, sqlitedialect.New()), dialect: DialectSQLite, opts: opts}
	log.WithField("dsn", dsn).Debug("storage: opened sqlite database")
	return g, nil
}

func openPostgres(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres: empty DSN")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(opts.DSN)))
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &common.DatabaseError{Op: "connect", Msg: driverMessage(err), Err: err}
	}
	log.Debug("storage: connected to postgres")
	return &Gateway{db: db, dialect: DialectPostgres, opts: opts}, nil
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets connection PRAGMAs. libsql ignores DSN pragma parameters.
// busy_timeout goes first so journal_mode=WAL waits for locks instead of failing.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// Dialect returns the database flavour.
func (g *Gateway) Dialect() Dialect { return g.dialect }

// DB returns the underlying bun handle.
func (g *Gateway) DB() *bun.DB { return g.db }

// Close closes the connection. For SQLite the WAL is checkpointed first.
func (g *Gateway) Close() error {
	if g.dialect == DialectSQLite {
		if rows, err := g.db.DB.Query("PRAGMA wal_checkpoint(TRUNCATE)"); err == nil {
			rows.Close()
		}
	}
	return g.db.Close()
}

// epochExpr reads a lastmodified column as unix seconds.
func (g *Gateway) epochExpr(col string) string {
	if g.dialect == DialectPostgres {
		return fmt.Sprintf("CAST(EXTRACT(EPOCH FROM %s) AS BIGINT)", col)
	}
	return col
}

// timestampArg is the placeholder expression for writing unix seconds into lastmodified.
func (g *Gateway) timestampArg() string {
	if g.dialect == DialectPostgres {
		return "to_timestamp(?)"
	}
	return "?"
}

// LoadFiles returns every file row matching f, joined with its content, ordered by id.
func (g *Gateway) LoadFiles(ctx context.Context, f Filter) ([]FileRow, error) {
	query := fmt.Sprintf(`SELECT f.id, f.wspaceid, f.projectid, f.name, f.version,
	%s AS lastmodified, f.filesize, d.bindata
FROM rcfile AS f
JOIN rcfiledata AS d ON d.id = f.id`, g.epochExpr("f.lastmodified"))

	var conds []string
	var args []interface{}
	if f.FileID != 0 {
		conds = append(conds, "f.id = ?")
		args = append(args, f.FileID)
	}
	if f.WorkspaceID != 0 {
		conds = append(conds, "f.wspaceid = ?")
		args = append(args, f.WorkspaceID)
	}
	if f.ProjectID != 0 {
		conds = append(conds, "f.projectid = ?")
		args = append(args, f.ProjectID)
	}
	if f.SharedOnly {
		conds = append(conds, "f.wspaceid = 0")
	}
	if len(conds) > 0 {
		query += "\nWHERE " + strings.Join(conds, " AND ")
	}
	query += "\nORDER BY f.id"

	rows, err := util.RetryWithResult(ctx, func() ([]FileRow, error) {
		var rows []FileRow
		err := g.db.NewRaw(query, args...).Scan(ctx, &rows)
		return rows, err
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, g.dbError("load files", f.FileID, err)
	}
	return rows, nil
}

// WriteFileToDisk writes row's content to path and sets its access and
// modification times to the row's last modified time.
func (g *Gateway) WriteFileToDisk(row FileRow, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &common.IOError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	if err := os.WriteFile(path, row.Content, 0o644); err != nil {
		return &common.IOError{Op: "write", Path: path, Err: err}
	}
	mt := time.Unix(row.LastModified, 0)
	if err := os.Chtimes(path, mt, mt); err != nil {
		return &common.IOError{Op: "chtimes", Path: path, Err: err}
	}
	return nil
}

// InsertFile allocates an id and inserts metadata and content in one transaction.
func (g *Gateway) InsertFile(ctx context.Context, nf NewFile) (FileRow, error) {
	id, err := g.NextSequenceValue(ctx, FileSequence)
	if err != nil {
		return FileRow{}, err
	}
	content := nf.Content
	if content == nil {
		content = []byte{}
	}
	row := FileRow{
		ID:           id,
		WorkspaceID:  nf.WorkspaceID,
		ProjectID:    nf.ProjectID,
		Name:         nf.Name,
		Version:      1,
		LastModified: nf.LastModified,
		Size:         int64(len(content)),
		Content:      content,
	}

	err = util.Retry(ctx, func() error {
		return g.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			meta := &FileModel{
				ID:          row.ID,
				WorkspaceID: row.WorkspaceID,
				ProjectID:   row.ProjectID,
				Name:        row.Name,
				Version:     row.Version,
				Size:        row.Size,
			}
			if _, err := tx.NewInsert().Model(meta).
				Value("lastmodified", g.timestampArg(), row.LastModified).
				Exec(ctx); err != nil {
				return err
			}
			_, err := tx.NewInsert().Model(&FileDataModel{ID: row.ID, Content: content}).Exec(ctx)
			return err
		})
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return FileRow{}, g.dbError("insert", id, err)
	}
	g.commits.Add(1)
	log.WithFields(log.Fields{"id": id, "name": nf.Name}).Debug("storage: inserted file")
	return row, nil
}

// UpdateFileContent uploads new content for fileID. Metadata (version + 1,
// last modified, size) and content are written in one transaction and the new
// version is returned. A failure on either statement rolls back both.
func (g *Gateway) UpdateFileContent(ctx context.Context, fileID int64, content []byte, modTime int64) (int64, error) {
	if content == nil {
		content = []byte{}
	}
	update := fmt.Sprintf("UPDATE rcfile SET version = version + 1, lastmodified = %s, filesize = ? WHERE id = ? RETURNING version",
		g.timestampArg())

	version, err := util.RetryWithResult(ctx, func() (int64, error) {
		var version int64
		err := g.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if err := tx.NewRaw(update, modTime, len(content), fileID).Scan(ctx, &version); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("file %d: %w", fileID, common.ErrNotFound)
				}
				return err
			}
			_, err := tx.NewUpdate().
				Model((*FileDataModel)(nil)).
				Set("bindata = ?", content).
				Where("id = ?", fileID).
				Exec(ctx)
			return err
		})
		return version, err
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return 0, g.dbError("update", fileID, err)
	}
	g.commits.Add(1)
	return version, nil
}

// DeleteFile removes the file's content and metadata.
func (g *Gateway) DeleteFile(ctx context.Context, fileID int64) error {
	err := util.Retry(ctx, func() error {
		return g.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().Model((*FileDataModel)(nil)).Where("id = ?", fileID).Exec(ctx); err != nil {
				return err
			}
			_, err := tx.NewDelete().Model((*FileModel)(nil)).Where("id = ?", fileID).Exec(ctx)
			return err
		})
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return g.dbError("remove", fileID, err)
	}
	g.commits.Add(1)
	return nil
}

// NextSequenceValue returns the next value of a named sequence.
func (g *Gateway) NextSequenceValue(ctx context.Context, name string) (int64, error) {
	if g.dialect == DialectPostgres {
		return g.ScalarQuery(ctx, "SELECT nextval(?)", name)
	}
	return g.ScalarQuery(ctx, "UPDATE sequences SET value = value + 1 WHERE name = ? RETURNING value", name)
}

// ScalarQuery runs a single value integer query. ErrNoValue is returned when
// there is no row or the value is NULL.
func (g *Gateway) ScalarQuery(ctx context.Context, query string, args ...interface{}) (int64, error) {
	v, err := util.RetryWithResult(ctx, func() (sql.NullInt64, error) {
		var v sql.NullInt64
		err := g.db.NewRaw(query, args...).Scan(ctx, &v)
		return v, err
	}, util.DatabaseRetryOptions(ctx)...)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, common.ErrNoValue
	}
	if err != nil {
		return 0, g.dbError("query", 0, err)
	}
	if !v.Valid {
		return 0, common.ErrNoValue
	}
	return v.Int64, nil
}

// MaxImageBatch returns the highest batch id used by a session, or 0.
func (g *Gateway) MaxImageBatch(ctx context.Context, sessionID int64) (int64, error) {
	return g.ScalarQuery(ctx, "SELECT COALESCE(MAX(batchid), 0) FROM sessionimage WHERE sessionid = ?", sessionID)
}

// InsertSessionImage stores a captured image.
func (g *Gateway) InsertSessionImage(ctx context.Context, img SessionImage) error {
	model := &SessionImageModel{
		ID:        img.ID,
		SessionID: img.SessionID,
		BatchID:   img.BatchID,
		Name:      img.Name,
		Data:      img.Data,
	}
	err := util.Retry(ctx, func() error {
		_, err := g.db.NewInsert().Model(model).Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return g.dbError("insert image", img.ID, err)
	}
	g.commits.Add(1)
	return nil
}

// SessionImages returns the images of one batch ordered by id.
func (g *Gateway) SessionImages(ctx context.Context, sessionID, batchID int64) ([]SessionImageModel, error) {
	var imgs []SessionImageModel
	err := g.db.NewSelect().
		Model(&imgs).
		Where("sessionid = ?", sessionID).
		Where("batchid = ?", batchID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, g.dbError("load images", 0, err)
	}
	return imgs, nil
}

// LoadWorkspaceData returns the saved R workspace image for a workspace.
func (g *Gateway) LoadWorkspaceData(ctx context.Context, workspaceID int64) ([]byte, error) {
	var m WorkspaceDataModel
	err := g.db.NewSelect().Model(&m).Where("id = ?", workspaceID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workspace data %d: %w", workspaceID, common.ErrNotFound)
	}
	if err != nil {
		return nil, g.dbError("load workspace data", 0, err)
	}
	return m.Data, nil
}

// SaveWorkspaceData stores the R workspace image, replacing any previous one.
func (g *Gateway) SaveWorkspaceData(ctx context.Context, workspaceID int64, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	err := util.Retry(ctx, func() error {
		_, err := g.db.NewInsert().
			Model(&WorkspaceDataModel{ID: workspaceID, Data: data}).
			On("CONFLICT (id) DO UPDATE").
			Set("bindata = EXCLUDED.bindata").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return g.dbError("save workspace data", 0, err)
	}
	g.commits.Add(1)
	return nil
}

// dataVersion returns PRAGMA data_version for the gateway connection.
func (g *Gateway) dataVersion(ctx context.Context) (int64, error) {
	var v int64
	err := g.db.DB.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}
