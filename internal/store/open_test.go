package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"registry-cache-service/internal/config"
)

func TestOpen(t *testing.T) {
	tables := []config.TableConfig{{Name: "parcels", PrimaryKey: "parcel_no"}}

	s, err := Open(config.DatabaseConnection{Driver: "memory"}, tables)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
	row, err := s.Insert(context.Background(), "parcels", Row{Fields: map[string]any{"parcel_no": "7"}})
	require.NoError(t, err)
	assert.Equal(t, "7", row.Key())

	s, err = Open(config.DatabaseConnection{Driver: "sqlite", FilePath: ":memory:"}, tables)
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.DatabaseConnection{Driver: "sqlite", FilePath: ":memory:"},
		[]config.TableConfig{{Name: "bad-name"}})
	assert.Error(t, err)

	_, err = Open(config.DatabaseConnection{Driver: "postgres"}, tables)
	assert.Error(t, err)
}
