package projection

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/teemow/health-record-mcp/internal/record"
)

// placeholder renders the n-th (1-based) bind parameter for a dialect.
type placeholder func(n int) string

func questionMark(int) string   { return "?" }
func dollarNumber(n int) string { return "$" + strconv.Itoa(n) }

func insertStmt(table string, columns []string, ph placeholder) string {
	params := make([]string, len(columns))
	for i := range columns {
		params[i] = ph(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(params, ", "))
}

var (
	resourceColumns   = []string{"resource_type", "resource_id", "json"}
	attachmentColumns = []string{"resource_type", "resource_id", "path", "content_type", "content_plaintext", "content_raw", "json"}
)

type resourceKey struct {
	resourceType string
	id           string
}

// load writes every resource and attachment of rec in a single transaction.
// Duplicate (type, id) pairs keep the first occurrence.
func load(ctx context.Context, db *sql.DB, rec *record.Record, ph placeholder) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin load transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertResource := insertStmt("fhir_resources", resourceColumns, ph)
	seen := make(map[resourceKey]bool)
	for _, resourceType := range rec.Types() {
		for _, res := range rec.Resources(resourceType) {
			key := resourceKey{res.Type, res.ID}
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, err = tx.ExecContext(ctx, insertResource, res.Type, res.ID, res.JSON); err != nil {
				return fmt.Errorf("failed to insert %s/%s: %w", res.Type, res.ID, err)
			}
		}
	}

	insertAttachment := insertStmt("fhir_attachments", attachmentColumns, ph)
	for _, att := range rec.Attachments() {
		var plaintext any
		if att.HasPlaintext {
			plaintext = att.Plaintext
		}
		var raw any
		if att.Raw != nil {
			raw = att.Raw
		}
		if _, err = tx.ExecContext(ctx, insertAttachment,
			att.ResourceType, att.ResourceID, att.Path, att.ContentType, plaintext, raw, att.JSON,
		); err != nil {
			return fmt.Errorf("failed to insert attachment %s/%s#%s: %w", att.ResourceType, att.ResourceID, att.Path, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit load transaction: %w", err)
	}
	return nil
}

// scanRows reads up to maxRows rows and reports whether more were available.
func scanRows(rows *sql.Rows, maxRows int) (*Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	columns = uniqueColumns(columns)

	result := &Result{Columns: columns, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// uniqueColumns suffixes repeated column names with _2, _3 and so on so
// every value of a row keeps its own key.
func uniqueColumns(columns []string) []string {
	taken := make(map[string]bool, len(columns))
	for _, c := range columns {
		taken[c] = true
	}
	out := make([]string, len(columns))
	used := make(map[string]bool, len(columns))
	for i, c := range columns {
		name := c
		if used[name] {
			// suffixed names skip every name the query itself returns
			for n := 2; taken[name]; n++ {
				name = fmt.Sprintf("%s_%d", c, n)
			}
			taken[name] = true
		}
		used[name] = true
		out[i] = name
	}
	return out
}

// normalizeValue makes driver values JSON friendly: text stays text, binary
// becomes base64.
func normalizeValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if utf8.Valid(b) {
		return string(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}
