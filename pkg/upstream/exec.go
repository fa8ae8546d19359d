package upstream

import (
	"context"
	"database/sql"

	"github.com/snowlift/snowlift/pkg/models"
)

// previewRows caps how many result rows are carried per statement.
const previewRows = 5

// ExecuteScript runs a SQL script statement by statement. Execution stops at
// the first failure, which is returned as a *ScriptError carrying the results
// collected so far.
func (c *Conn) ExecuteScript(ctx context.Context, sqlText string) ([]models.StatementResult, error) {
	statements := SplitStatements(sqlText)
	results := make([]models.StatementResult, 0, len(statements))

	for idx, statement := range statements {
		rows, err := c.db.QueryContext(ctx, statement)
		if err != nil {
			return nil, &ScriptError{
				Message:        err.Error(),
				Statement:      statement,
				StatementIndex: idx,
				PartialResults: results,
			}
		}

		count, preview, err := collectPreview(rows)
		if err != nil {
			return nil, &ScriptError{
				Message:        err.Error(),
				Statement:      statement,
				StatementIndex: idx,
				PartialResults: results,
			}
		}

		results = append(results, models.StatementResult{
			StatementIndex: idx,
			Status:         "success",
			Statement:      statement,
			RowCount:       count,
			OutputPreview:  preview,
		})
	}
	return results, nil
}

// collectPreview drains a result set, counting rows and keeping the first
// few as column-keyed maps.
func collectPreview(rows *sql.Rows) (int, []map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, nil, err
	}

	var preview []map[string]any
	count := 0
	for rows.Next() {
		count++
		if count > previewRows {
			continue
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return count, preview, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		preview = append(preview, row)
	}
	return count, preview, rows.Err()
}
