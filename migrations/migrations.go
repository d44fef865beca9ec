// Package migrations embeds the SQL schema and seed files applied by cmd/migrate.
package migrations

import "embed"

// Schema holds the *.up.sql and *.down.sql migration files.
//
//go:embed *.sql
var Schema embed.FS

// Seeds holds idempotent seed files.
//
//go:embed seeds/*.sql
var Seeds embed.FS
