package storage

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationStatements splits an embedded schema file into single statements,
// since the MySQL driver runs one statement per Exec by default.
func migrationStatements(name string) ([]string, error) {
	raw, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return nil, fmt.Errorf("read migration %s: %w", name, err)
	}

	var stmts []string
	for _, part := range strings.Split(string(raw), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts, nil
}
