package db

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func statement() (string, int64) {
	return `SELECT * FROM "movements" WHERE id = 'm1'`, 1
}

func TestGormLoggerReportsFailuresAndSlowQueries(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(zerolog.New(&buf), 100*time.Millisecond)
	ctx := context.Background()

	l.Trace(ctx, time.Now(), statement, nil)
	l.Trace(ctx, time.Now(), statement, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String(), "fast queries and misses stay quiet at warn level")

	l.Trace(ctx, time.Now(), statement, errors.New("connection refused"))
	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "connection refused")
	assert.Contains(t, buf.String(), `"component":"gorm"`)

	buf.Reset()
	l.Trace(ctx, time.Now().Add(-time.Second), statement, nil)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "slow query")
	assert.Contains(t, buf.String(), "movements")
}

func TestGormLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	base := NewGormLogger(zerolog.New(&buf), 0)
	ctx := context.Background()

	base.LogMode(logger.Silent).Trace(ctx, time.Now(), statement, errors.New("boom"))
	assert.Empty(t, buf.String())

	base.LogMode(logger.Info).Trace(ctx, time.Now(), statement, nil)
	assert.Contains(t, buf.String(), `"message":"query"`)

	buf.Reset()
	base.Info(ctx, "opened %d connections", 3)
	assert.Empty(t, buf.String(), "LogMode returns a copy")
}
