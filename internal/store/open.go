package store

import (
	"registry-cache-service/internal/config"
	"registry-cache-service/internal/database"
)

// SchemaOf builds the store schema from the configured tables.
func SchemaOf(tables []config.TableConfig) Schema {
	schema := make(Schema, len(tables))
	for _, t := range tables {
		schema[t.Name] = TableSchema{PrimaryKey: t.PrimaryKey}
	}
	return schema
}

// Open returns the store for the configured driver.
func Open(cfg config.DatabaseConnection, tables []config.TableConfig) (Store, error) {
	schema := SchemaOf(tables)
	if cfg.Driver == "memory" {
		return NewMemoryStore(schema), nil
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(db, schema)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
