package test

import (
	"context"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/integralist/go-findroot/find"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DefaultCtxKey any = "myKey"

var outboxColumns = []string{"id", "event_type", "content", "occurred_at", "processed_at", "is_processing", "claimed_at"}

func AssertError(t *testing.T, err error, expectErr bool) {
	if expectErr {
		assert.Error(t, err)
	} else {
		assert.NoError(t, err)
	}
}

// InitPostgresContainer initializes a local Postgres instance using Testcontainers.
func InitPostgresContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	root, err := find.Repo()
	if err != nil {
		return nil, err
	}
	return postgres.RunContainer(ctx,
		testcontainers.WithImage("docker.io/postgres:15.2-alpine"),
		postgres.WithInitScripts(
			filepath.Join(root.Path, "sql/postgres/000001_eventbox.up.sql"),
		),
		postgres.WithDatabase("dbname"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
}

// InitSqlite opens a private in-memory SQLite database with the eventbox tables.
// The pool is limited to one connection so every statement sees the same
// database, which means code running inside a transaction must use it.
func InitSqlite() (*gorm.DB, error) {
	root, err := find.Repo()
	if err != nil {
		return nil, err
	}
	ddl, err := os.ReadFile(filepath.Join(root.Path, "sql/sqlite/000001_eventbox.up.sql"))
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec(string(ddl)).Error; err != nil {
		return nil, err
	}
	return db, nil
}

func GenerateAnyArgsSlice(n int) []driver.Value {
	var result []driver.Value = make([]driver.Value, n)
	for i := 0; i < n; i++ {
		result[i] = sqlmock.AnyArg()
	}
	return result
}

func MockUnlockedOutboxLock(mock sqlmock.Sqlmock, ownerId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, false, ownerId, nil, nil, 1)
	mock.ExpectQuery("SELECT \\* FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

func MockLockedOutboxLock(mock sqlmock.Sqlmock, ownerId uuid.UUID) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "locked", "locked_by", "locked_at", "locked_until", "version"}).
		AddRow(1, true, ownerId, time.Now(), time.Now().Add(time.Minute), 1)
	mock.ExpectQuery("SELECT \\* FROM outbox_lock WHERE id=1").WillReturnRows(rows)
	return rows
}

// MockPendingOutboxRows expects the claim query and returns n pending messages.
func MockPendingOutboxRows(mock sqlmock.Sqlmock, n int) *sqlmock.Rows {
	rows := sqlmock.NewRows(outboxColumns)
	for i := 0; i < n; i++ {
		rows.AddRow(uuid.New(), "UserCreated", `{"type":"UserCreated","data":{}}`, time.Now().Add(time.Duration(i)*time.Second), nil, false, nil)
	}
	mock.ExpectQuery("SELECT .+ FROM .*outbox_messages.+").WillReturnRows(rows)
	return rows
}
