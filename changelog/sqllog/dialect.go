package sqllog

import (
	"strconv"
	"strings"
)

const tableName = "synceddb_changes"

// Dialect covers the differences between the supported SQL backends
type Dialect struct {
	name        string
	driver      string
	createTable string
	placeholder func(n int) string
}

var SQLite = Dialect{
	name:   "sqlite",
	driver: "sqlite",
	createTable: `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		store_name  TEXT    NOT NULL,
		record_key  TEXT    NOT NULL,
		change_type TEXT    NOT NULL,
		payload     TEXT    NOT NULL,
		saved_at    INTEGER NOT NULL
	)`,
	placeholder: func(int) string { return "?" },
}

var Postgres = Dialect{
	name:   "postgres",
	driver: "pgx",
	createTable: `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
		seq         BIGSERIAL PRIMARY KEY,
		store_name  TEXT   NOT NULL,
		record_key  TEXT   NOT NULL,
		change_type TEXT   NOT NULL,
		payload     TEXT   NOT NULL,
		saved_at    BIGINT NOT NULL
	)`,
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

func (d Dialect) String() string { return d.name }

func (d Dialect) insertQuery() string {
	return "INSERT INTO " + tableName + " (store_name, record_key, change_type, payload, saved_at) VALUES (" +
		d.placeholders(1, 5) + ") RETURNING seq"
}

func (d Dialect) selectQuery(stores int) string {
	q := "SELECT seq, payload, saved_at FROM " + tableName
	if stores > 0 {
		q += " WHERE store_name IN (" + d.placeholders(1, stores) + ")"
	}
	return q + " ORDER BY seq ASC"
}

func (d Dialect) placeholders(from, count int) string {
	ps := make([]string, count)
	for i := range ps {
		ps[i] = d.placeholder(from + i)
	}
	return strings.Join(ps, ", ")
}
