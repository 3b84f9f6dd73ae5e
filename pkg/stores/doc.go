// Package stores persists run history in SQLite: one row per lift or create
// run, one per target and phase, and one per action executed. The schema is
// applied with embedded golang-migrate migrations.
package stores
