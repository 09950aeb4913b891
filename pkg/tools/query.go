package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sightlinehq/sightline/pkg/toolexec"
)

// Statements that can change state are rejected outright. Safe keywords like
// CASE or WHEN are deliberately not on this list.
var forbiddenSQLKeywords = []string{
	"INSERT INTO", "UPDATE SET", "DELETE FROM", "DROP TABLE", "DROP DATABASE",
	"CREATE TABLE", "CREATE DATABASE", "ALTER TABLE", "EXEC ", "EXECUTE ",
	"TRUNCATE", "MERGE", "BULK", "RESTORE", "BACKUP",
}

var unionSelectPattern = regexp.MustCompile(`\bUNION\s+(ALL\s+)?SELECT`)

// QueryTools builds the read-only analytics query tool. The SQL is validated
// locally before it is sent anywhere, and the website id travels as a bound
// parameter so the model never interpolates tenant identifiers into the
// statement.
func QueryTools(deps Deps) []toolexec.ToolDefinition {
	websiteID := deps.Session.WebsiteID

	return []toolexec.ToolDefinition{
		{
			Name:        "run_query",
			Description: "Run a read-only SQL query against the analytics events for the current website. Only SELECT and WITH statements are accepted. Reference the website as {websiteId} in the statement.",
			Parameters: []toolexec.ToolParameter{
				{Name: "sql", Type: "string", Description: "The SELECT or WITH statement to execute", Required: true},
				{Name: "description", Type: "string", Description: "Short description of what the query measures"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				sql := strArg(params, "sql")
				if err := ValidateSQL(sql); err != nil {
					return nil, err
				}
				input := map[string]interface{}{
					"websiteId": websiteID,
					"sql":       sql,
					"parameters": map[string]interface{}{
						"websiteId": websiteID,
					},
				}
				raw, err := call(ctx, deps, "assistant", "executeQuery", input, nil)
				if err != nil {
					return nil, err
				}
				return map[string]interface{}{
					"rows":  raw,
					"count": countRows(raw),
				}, nil
			},
		},
	}
}

// ValidateSQL accepts read-only statements only: the statement must start
// with SELECT or WITH, must not contain mutating keywords, and must not use a
// UNION ... SELECT pattern.
func ValidateSQL(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return fmt.Errorf("query cannot be empty")
	}

	upper := strings.ToUpper(trimmed)
	for _, keyword := range forbiddenSQLKeywords {
		if strings.Contains(upper, keyword) {
			return fmt.Errorf("query contains a forbidden operation: %s", strings.TrimSpace(keyword))
		}
	}
	if unionSelectPattern.MatchString(upper) {
		return fmt.Errorf("query contains a forbidden UNION SELECT pattern")
	}
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT and WITH statements are allowed")
	}
	return nil
}
