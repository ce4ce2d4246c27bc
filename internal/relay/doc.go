// Package relay implements the per-user relay actor: the rendezvous point
// that holds a user's live device connections, keeps the user's agent
// directory, and forwards handshake messages between named devices.
//
// The actor's memory is disposable. Everything it needs to classify a
// connection is attached to the connection itself (see ConnectionState), and
// the directory is written through to a directory.Store, so an evicted actor
// is rebuilt from those two sources the next time one of its sockets has
// activity. Hub owns the sockets and decides which actors stay resident.
package relay
