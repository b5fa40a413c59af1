package mysql

import (
	"fmt"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxfill/internal/store/sqlstore"
)

func TestConfig_DSN(t *testing.T) {
	dsn := Config{Host: "db", User: "pharm", Password: "secret", Name: "rx"}.DSN()

	parsed, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "db:3306", parsed.Addr)
	assert.Equal(t, "pharm", parsed.User)
	assert.Equal(t, "secret", parsed.Passwd)
	assert.Equal(t, "rx", parsed.DBName)
	assert.True(t, parsed.ParseTime)
	assert.True(t, parsed.ClientFoundRows)
}

func TestConfig_DSNCustomPort(t *testing.T) {
	dsn := Config{Host: "db", Port: 3307, User: "u", Name: "rx"}.DSN()
	assert.True(t, strings.Contains(dsn, "tcp(db:3307)"))
}

func TestIsDuplicate(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.True(t, IsDuplicate(dup))
	assert.True(t, IsDuplicate(fmt.Errorf("insert: %w", dup)))
	assert.False(t, IsDuplicate(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicate(fmt.Errorf("plain")))
}

func TestSchemaStatements(t *testing.T) {
	stmts := sqlstore.Statements(schema)
	require.NotEmpty(t, stmts)
	for _, stmt := range stmts {
		assert.True(t, strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS"), stmt)
		assert.NotContains(t, stmt, "TIMESTAMPTZ")
		assert.NotContains(t, stmt, "BIGSERIAL")
	}
}
