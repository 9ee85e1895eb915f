// Package pool manages the bounded set of remote catalog connections shared by concurrent
// filesystem calls.
//
// Acquire hands out a free connection, steals one whose bookkeeping lags, opens a new one
// while under MaxConns, or parks the caller on its own channel until a release or the
// background Manager pushes a capacity token. The Manager starts once HighWater connections
// have been created and reclaims free connections that sat idle past IdleTimeout, or that
// keep the pool above HighWater.
//
// Every Conn has a lock held between Use and Unuse. It serializes requests on one session,
// since the remote protocol cannot pipeline.
package pool
