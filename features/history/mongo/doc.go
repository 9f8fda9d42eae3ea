// Package mongo provides a MongoDB-backed implementation of the session
// history store. Build the low-level client via
// features/history/mongo/clients/mongo and pass it to NewStore so deployments
// can persist conversation history outside process memory.
package mongo
