// Package redis implements history.Store on Redis. Each session is a list of
// JSON-encoded messages trimmed to the history bound on append, with key TTLs
// aligned to the retention period so idle sessions expire server-side.
package redis
