package mysql

import (
	"context"
	"testing"
	"testing/fstest"

	"AgentDesk/internal/storage/mysql/mysqltest"
)

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`

func TestMigrateAppliesPendingVersions(t *testing.T) {
	t.Parallel()

	source := fstest.MapFS{
		"0001_first.sql":  {Data: []byte("-- 注释\nCREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0002_second.sql": {Data: []byte("CREATE TABLE c (id INT);")},
		"README.md":       {Data: []byte("ignored")},
	}

	db, drv := mysqltest.NewDB(t,
		mysqltest.Exec(createMigrationsTable, 0),
		mysqltest.Query(`SELECT version FROM schema_migrations`, []string{"version"}, mysqltest.Row("0001")),
		mysqltest.Begin(),
		mysqltest.Exec(`CREATE TABLE c (id INT)`, 0),
		mysqltest.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, 1),
		mysqltest.Commit(),
	)
	defer drv.AssertConsumed(t)
	defer db.Close()

	if err := migrate(context.Background(), db, source); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if got := drv.Args(3)[0]; got != "0002" {
		t.Fatalf("expected version 0002 recorded, got %v", got)
	}
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected at least two migrations, got %d", len(files))
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].version >= files[i].version {
			t.Fatalf("migrations out of order: %s before %s", files[i-1].name, files[i].name)
		}
	}
	for _, file := range files {
		for _, stmt := range file.statements {
			if len(stmt) > 1 && stmt[:2] == "--" {
				t.Fatalf("comment leaked into statement of %s", file.name)
			}
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	got := splitSQLStatements("CREATE TABLE a (id INT);\n\n;  \nCREATE TABLE b (id INT);")
	if len(got) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(got), got)
	}
	if parseMigrationVersion("0003_add_index.sql") != "0003" {
		t.Fatalf("unexpected version parse")
	}
}
