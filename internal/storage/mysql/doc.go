// Package mysql persists session secrets in MySQL. It owns the connection pool
// settings and the embedded schema migrations under deploy/migrations.
package mysql
