// Package storage provides the SQLite-backed persistent index of builds.
//
// BuildStore keeps an in-memory cache of live builds and flushes their
// snapshots to a relational schema (builds, subjobs, atoms, and the two
// failure-detail tables) on demand and at shutdown. A cache miss falls
// through to the database and is rehydrated as a read-only Build via
// core.NewBuildFromSnapshot.
package storage
