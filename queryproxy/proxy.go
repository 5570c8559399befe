// Package queryproxy is a Postgres-wire listener answering ad hoc SQL with
// DuckDB, the teacher's proxy.DuckDBProxy with its storage backend swapped:
// instead of `INSTALL iceberg; LOAD iceberg;` against an external catalog,
// every query is preceded by rebuilding one DuckDB view per table from the
// file list the table's own Scan plan already produced
// (`read_parquet([...])`), plus one literal-valued table for each of the
// snapshots, schemas, options and files system tables (spec.md §6)
// populated from package systable's rows. DuckDB still does all
// SQL parsing and execution — this package only ever hands it file paths
// and literal rows, staying inside the "no SQL parser in this repo"
// non-goal of spec.md §1.
package queryproxy

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/rs/zerolog"

	"tablestore/config"
	"tablestore/schema"
	"tablestore/scan"
	"tablestore/systable"
	"tablestore/table"
	"tablestore/types"
)

// Handle is the set of objects queryproxy needs to refresh views for one
// tablestore table ahead of a query.
type Handle struct {
	Name    string // exposed as a DuckDB view, e.g. "orders"
	Table   *table.Table
	Schemas *schema.Manager
}

// Proxy is a Postgres-wire server backed by an in-process DuckDB, mirroring
// the teacher's DuckDBProxy shape (db + listener, one handleConnection
// goroutine per client).
type Proxy struct {
	Log      zerolog.Logger
	db       *sql.DB
	listener net.Listener
	tables   []Handle
}

// New opens the DuckDB handle, loads the parquet extension (the teacher
// also loaded "iceberg"; this repo's own manifest/snapshot layer replaces
// Iceberg metadata entirely, so only "parquet" is needed for read_parquet),
// and binds a TCP listener on cfg.Proxy.Port.
func New(cfg *config.Config, tables []Handle) (*Proxy, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("queryproxy: opening duckdb: %w", err)
	}
	if _, err := db.Exec("INSTALL parquet; LOAD parquet;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("queryproxy: loading parquet extension: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Proxy.Port))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queryproxy: creating listener: %w", err)
	}

	return &Proxy{db: db, listener: listener, tables: tables}, nil
}

// Start accepts connections until ctx is canceled, one goroutine per
// client — identical accept-loop shape to the teacher's Start.
func (p *Proxy) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		p.listener.Close()
	}()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				continue
			}
		}
		go p.handleConnection(ctx, conn)
	}
}

// Close releases the DuckDB handle.
func (p *Proxy) Close() error { return p.db.Close() }

func (p *Proxy) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	backend := pgproto3.NewBackend(conn, conn)

	if _, err := backend.ReceiveStartupMessage(); err != nil {
		return
	}
	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	if err := backend.Flush(); err != nil {
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}
		switch msg := msg.(type) {
		case *pgproto3.Query:
			if err := p.handleQuery(ctx, backend, msg.String); err != nil {
				p.sendError(backend, err)
			}
		case *pgproto3.Terminate:
			return
		}
	}
}

func (p *Proxy) handleQuery(ctx context.Context, backend *pgproto3.Backend, query string) error {
	if err := p.refreshViews(ctx); err != nil {
		return fmt.Errorf("refreshing views: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	if err := p.sendRowDescription(backend, columnTypes); err != nil {
		return err
	}

	values := make([]interface{}, len(columnTypes))
	scanArgs := make([]interface{}, len(columnTypes))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return err
		}
		dataRow := &pgproto3.DataRow{Values: make([][]byte, len(columnTypes))}
		for i, val := range values {
			if val == nil {
				dataRow.Values[i] = nil
				continue
			}
			dataRow.Values[i] = []byte(fmt.Sprintf("%v", val))
		}
		backend.Send(dataRow)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT")})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

// refreshViews rebuilds, for every configured table, a DuckDB view over the
// data files its current snapshot's Scan plan names, plus one literal-valued
// table for each of the snapshots, schemas, options and files system tables
// (audit_log is not exposed). DuckDB re-executes read_parquet on every query
// against the view, so there is no caching to invalidate beyond the view
// definition itself.
func (p *Proxy) refreshViews(ctx context.Context) error {
	for _, h := range p.tables {
		if err := p.refreshDataView(ctx, h); err != nil {
			return err
		}
		if err := p.refreshSystemViews(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proxy) refreshDataView(ctx context.Context, h Handle) error {
	snapshotID, ok, err := scan.ResolveSnapshotID(ctx, h.Table.Snapshots, h.Table.Options)
	if err != nil {
		return err
	}
	if !ok {
		return nil // no snapshot committed yet: leave any existing view as-is
	}

	plan, err := h.Table.Scan.Plan(ctx, snapshotID)
	if err != nil {
		return fmt.Errorf("planning %s: %w", h.Name, err)
	}

	var paths []string
	for _, split := range plan.Splits {
		for _, f := range split.Files {
			paths = append(paths, h.Table.BucketPath(split.Partition, split.Bucket)+"/"+f.FileName)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	quoted := make([]string, len(paths))
	for i, pth := range paths {
		quoted[i] = "'" + strings.ReplaceAll(pth, "'", "''") + "'"
	}
	query := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet([%s])`,
		quoteIdent(h.Name), strings.Join(quoted, ", "))
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Proxy) refreshSystemViews(ctx context.Context, h Handle) error {
	for _, name := range []systable.Name{systable.Snapshots, systable.Schemas, systable.Options, systable.Files} {
		rows, err := systable.Rows(ctx, h.Table, h.Schemas, name)
		if err != nil {
			return fmt.Errorf("materializing %s$%s: %w", h.Name, name, err)
		}
		rowType := systable.RowType(name)
		viewName := fmt.Sprintf("%s$%s", h.Name, name)
		if err := materializeRows(ctx, p.db, viewName, rowType, rows); err != nil {
			return err
		}
	}
	return nil
}

// materializeRows drops and recreates a literal-valued DuckDB table for one
// system table's rows. System tables are metadata-plane-sized (one row per
// snapshot/schema/file), so a full literal VALUES rebuild per query is
// cheap and avoids tracking incremental state in queryproxy.
func materializeRows(ctx context.Context, db *sql.DB, name string, rowType types.RowType, rows []types.Row) error {
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return err
	}
	cols := make([]string, len(rowType.Fields))
	for i, f := range rowType.Fields {
		cols[i] = quoteIdent(f.Name) + " " + duckDBType(f.Type.ID)
	}
	createStmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))
	if _, err := db.ExecContext(ctx, createStmt); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	placeholders := make([]string, len(rowType.Fields))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertStmt := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(placeholders, ", "))
	stmt, err := db.PrepareContext(ctx, insertStmt)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		args := make([]interface{}, len(r.Values))
		copy(args, r.Values)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting %s row: %w", name, err)
		}
	}
	return nil
}

func duckDBType(id types.DataTypeID) string {
	switch id {
	case types.Boolean:
		return "BOOLEAN"
	case types.Int32:
		return "INTEGER"
	case types.Int64:
		return "BIGINT"
	case types.Float32:
		return "REAL"
	case types.Float64:
		return "DOUBLE"
	case types.BinaryType:
		return "BLOB"
	case types.Date:
		return "DATE"
	case types.Timestamp:
		return "TIMESTAMP"
	case types.Decimal:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (p *Proxy) sendRowDescription(backend *pgproto3.Backend, columns []*sql.ColumnType) error {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, col := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(col.Name()),
			TableOID:             0,
			TableAttributeNumber: 0,
			DataTypeOID:          mapDataTypeToOID(col.DatabaseTypeName()),
			DataTypeSize:         -1,
			TypeModifier:         -1,
			Format:               0,
		}
	}
	backend.Send(&pgproto3.RowDescription{Fields: fields})
	return backend.Flush()
}

func (p *Proxy) sendError(backend *pgproto3.Backend, err error) {
	backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "XX000", Message: err.Error()})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	_ = backend.Flush()
}

func mapDataTypeToOID(databaseTypeName string) uint32 {
	switch databaseTypeName {
	case "BOOLEAN":
		return 16
	case "BIGINT":
		return 20
	case "INTEGER":
		return 23
	case "REAL":
		return 700
	case "DOUBLE":
		return 701
	case "DATE":
		return 1082
	case "TIMESTAMP":
		return 1114
	default:
		return 25
	}
}
