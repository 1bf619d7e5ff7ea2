// Package store defines the cycle history repository fed by the progress hub.
// Implementations live in other packages; this package must not import database
// drivers or concrete clients.
package store
