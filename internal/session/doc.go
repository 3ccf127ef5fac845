// Package session tracks which instance serves each online user. The shared
// store holds a per-user route (instance address under a sliding TTL) and a
// set of connection ids; the actual connection handles live only in the
// owning process's LocalTable.
package session
