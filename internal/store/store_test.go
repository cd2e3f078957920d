package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zaraProject/internal/common"
)

func TestOpenDisabled(t *testing.T) {
	s, err := Open(common.DatabaseConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, s)

	// nil Store的记录方法必须安全
	s.RecordTunnelOpened("fox-1", "http")
	s.RecordRequest("fox-1", "GET", "/", 200, time.Millisecond, 0)
	s.RecordTunnelClosed("fox-1")
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(common.DatabaseConfig{Driver: "oracle"}, zerolog.Nop())
	require.Error(t, err)
}

func TestSQLiteRecords(t *testing.T) {
	cfg := common.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "zara.db"),
	}
	s, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, s)

	s.RecordTunnelOpened("fox-1", "http")
	s.RecordRequest("fox-1", "GET", "/api/echo", 200, 15*time.Millisecond, 128)
	s.RecordTunnelClosed("fox-1")

	var tunnelRecord TunnelRecord
	require.NoError(t, s.db.First(&tunnelRecord, "tunnel_id = ?", "fox-1").Error)
	assert.Equal(t, "http", tunnelRecord.Kind)
	require.NotNil(t, tunnelRecord.ClosedAt)
	assert.False(t, tunnelRecord.ConnectedAt.IsZero())

	var requestRecord RequestRecord
	require.NoError(t, s.db.First(&requestRecord, "tunnel_id = ?", "fox-1").Error)
	assert.Equal(t, "GET", requestRecord.Method)
	assert.Equal(t, "/api/echo", requestRecord.Path)
	assert.Equal(t, 200, requestRecord.Status)
	assert.Equal(t, int64(15), requestRecord.DurationMs)
	assert.Equal(t, 128, requestRecord.Bytes)
}
