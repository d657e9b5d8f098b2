package migrations

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNames_SortedAndNonEmpty(t *testing.T) {
	names, err := Names()
	require.NoError(t, err)
	require.NotEmpty(t, names)

	assert.Equal(t, "001_init.sql", names[0])
	assert.IsIncreasing(t, names)
}

func TestInitMigration_DeclaresTicketUniqueness(t *testing.T) {
	body, err := migrationFiles.ReadFile("001_init.sql")
	require.NoError(t, err)

	sql := string(body)
	assert.True(t, strings.Contains(sql, "CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_ticket"))
	assert.True(t, strings.Contains(sql, "idempotency_key TEXT UNIQUE"))
}
