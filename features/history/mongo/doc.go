// Package mongo registers MongoDB-backed conversation storage for switchboard
// sessions. Use clients/mongo to build the low-level client and pass it to
// NewStore to obtain a conversation.Store that persists the bounded message
// log per session.
package mongo
