package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// maxQueryRows caps result capture so a runaway SELECT cannot flood the
// step output.
const maxQueryRows = 1000

// DatabaseConnector runs SQL statements against PostgreSQL targets.
// The step command is the statement itself.
type DatabaseConnector struct {
	factory *Factory
}

func (c *DatabaseConnector) Kind() Kind { return KindDatabase }

func (c *DatabaseConnector) Execute(ctx context.Context, command string, cfg Config, timeout time.Duration) Result {
	return c.factory.run(ctx, KindDatabase, cfg, timeout, func(ctx context.Context) Result {
		return c.attempt(ctx, command, cfg)
	})
}

func (c *DatabaseConnector) attempt(ctx context.Context, command string, cfg Config) Result {
	dsn := databaseDSN(cfg)
	if dsn == "" {
		return Result{Error: "database: dsn or host+database required", ExitCode: -1}
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return Result{Error: fmt.Sprintf("database open: %v", err), ConnectionError: true, ExitCode: -1}
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		if ctx.Err() != nil {
			return Result{Error: "database: connect timed out: " + ctx.Err().Error(), ExitCode: -1}
		}
		return Result{Error: fmt.Sprintf("database connect: %v", err), ConnectionError: true, ExitCode: -1}
	}

	// Once connected, statement errors are command-level.
	if returnsRows(command) {
		return c.query(ctx, db, command)
	}
	res, err := db.ExecContext(ctx, command)
	if err != nil {
		return sqlFailure(ctx, err)
	}
	affected, _ := res.RowsAffected()
	return Result{Success: true, Output: fmt.Sprintf("%d row(s) affected", affected)}
}

func (c *DatabaseConnector) query(ctx context.Context, db *sql.DB, command string) Result {
	rows, err := db.QueryContext(ctx, command)
	if err != nil {
		return sqlFailure(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return sqlFailure(ctx, err)
	}

	var out strings.Builder
	out.WriteString(strings.Join(cols, "\t"))
	out.WriteString("\n")

	values := make([]any, len(cols))
	scan := make([]any, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}
	count := 0
	for rows.Next() {
		if count >= maxQueryRows {
			out.WriteString(fmt.Sprintf("... truncated at %d rows\n", maxQueryRows))
			break
		}
		if err := rows.Scan(scan...); err != nil {
			return sqlFailure(ctx, err)
		}
		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = formatCell(v)
		}
		out.WriteString(strings.Join(cells, "\t"))
		out.WriteString("\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return sqlFailure(ctx, err)
	}
	return Result{Success: true, Output: out.String()}
}

func sqlFailure(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return Result{Error: "database: statement timed out: " + ctx.Err().Error(), ExitCode: -1}
	}
	return Result{Error: err.Error(), ExitCode: 1}
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// returnsRows reports whether the statement produces a result set.
func returnsRows(command string) bool {
	head := strings.ToLower(strings.TrimSpace(command))
	for _, kw := range []string{"select", "show", "with", "explain", "table", "values"} {
		if strings.HasPrefix(head, kw) {
			return true
		}
	}
	return false
}

// databaseDSN uses an explicit dsn when present, otherwise assembles a
// postgres URL from the connection block.
func databaseDSN(cfg Config) string {
	if dsn := cfg.Str("dsn"); dsn != "" {
		return dsn
	}
	host := cfg.Str("host")
	database := firstNonEmpty(cfg.Str("database"), cfg.Str("database_name"))
	if host == "" || database == "" {
		return ""
	}
	creds := cfg.Credentials()
	user := firstNonEmpty(cfg.Str("username"), creds.Str("username"), "postgres")
	auth := user
	if pw := creds.Str("password"); pw != "" {
		auth = user + ":" + pw
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", auth, host, cfg.Int("port", 5432), database)
}
