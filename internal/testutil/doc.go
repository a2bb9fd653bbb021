// Package testutil contains helper builders and utilities used across tests
// to reduce boilerplate when constructing plans, scripting executors and
// asserting on event streams. They are not intended for production usage.
package testutil
