// Package session implements refresh-session families with rotation and
// reuse detection. A family is the chain of sessions descended from one
// login; rotation replaces the live link atomically, and presenting any
// earlier link revokes the whole chain. Redis and Postgres backends
// share one Store contract.
package session
