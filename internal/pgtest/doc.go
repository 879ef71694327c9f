// Package pgtest starts a throwaway Postgres for integration tests.
package pgtest
