// Package net implements network communication primitives for the crypto
// manager and relay protocols.
//
// This includes a message (a single communications block sent by client or
// server) and the size-prefixed framing that carries it.
package net
