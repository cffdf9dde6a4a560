// Package listener defines the observer interface through which the core
// reports contact, chat, and call events to an upper layer. The core never
// blocks on an observer call; implementations must return promptly.
package listener

import "github.com/udovin/ntied-core/internal/addr"

// Profile is the opaque application payload exchanged with a Contact::Request
// (typically a display name or capability set); the core never interprets it.
type Profile []byte

// CallID identifies one call attempt within a contact session.
type CallID uint64

// Observer receives every event a contact session or its sub-channels
// produce. All methods must be non-blocking; the core calls them directly
// from the contact session's goroutine.
type Observer interface {
	// Contact lifecycle.
	OnContactIncoming(peer addr.Address, profile Profile)
	OnContactAccepted(peer addr.Address, profile Profile)
	OnContactRejected(peer addr.Address)
	OnContactConnected(peer addr.Address)
	OnContactDisconnected(peer addr.Address, err error)

	// Chat.
	OnIncomingMessage(peer addr.Address, payload []byte)
	OnOutgoingMessage(peer addr.Address, payload []byte)

	// Call.
	OnCallIncoming(peer addr.Address, call CallID)
	OnCallOutgoing(peer addr.Address, call CallID)
	OnCallAccepted(peer addr.Address, call CallID)
	OnCallRejected(peer addr.Address, call CallID)
	OnCallConnected(peer addr.Address, call CallID)
	OnCallEnded(peer addr.Address, call CallID)
	OnCallFrame(peer addr.Address, call CallID, frame []byte)
}

// NopObserver implements Observer with no-op methods; embed it to satisfy
// the interface while overriding only the events a caller cares about.
type NopObserver struct{}

func (NopObserver) OnContactIncoming(addr.Address, Profile)      {}
func (NopObserver) OnContactAccepted(addr.Address, Profile)      {}
func (NopObserver) OnContactRejected(addr.Address)               {}
func (NopObserver) OnContactConnected(addr.Address)              {}
func (NopObserver) OnContactDisconnected(addr.Address, error)    {}
func (NopObserver) OnIncomingMessage(addr.Address, []byte)       {}
func (NopObserver) OnOutgoingMessage(addr.Address, []byte)       {}
func (NopObserver) OnCallIncoming(addr.Address, CallID)          {}
func (NopObserver) OnCallOutgoing(addr.Address, CallID)          {}
func (NopObserver) OnCallAccepted(addr.Address, CallID)          {}
func (NopObserver) OnCallRejected(addr.Address, CallID)          {}
func (NopObserver) OnCallConnected(addr.Address, CallID)         {}
func (NopObserver) OnCallEnded(addr.Address, CallID)             {}
func (NopObserver) OnCallFrame(addr.Address, CallID, []byte)     {}

var _ Observer = NopObserver{}
