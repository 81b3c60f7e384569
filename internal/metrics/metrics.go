// Package metrics defines the call layer's instrumentation surface.
//
// The library reports through the Collector interface so embedders can plug
// in their own backend; the Prometheus implementation lives alongside for
// binaries that expose /metrics.
package metrics

import "time"

// Collector receives call-layer events. Implementations must be safe for
// concurrent use. All methods are fire-and-forget.
type Collector interface {
	// Signaling channel.
	ChannelOpened()
	ChannelClosed(reason string)
	ReconnectScheduled(attempt int)
	CredentialRecovery(success bool)
	MessageSent(messageType string)
	MessageReceived(messageType string)
	MessageDropped(messageType, reason string)

	// Call sessions.
	CallStarted(initiator bool)
	CallConnected(setup time.Duration)
	CallFailed(reason string)
	CallEnded()
}

// Nop discards all events. It is the default collector.
type Nop struct{}

func (Nop) ChannelOpened()                {}
func (Nop) ChannelClosed(string)          {}
func (Nop) ReconnectScheduled(int)        {}
func (Nop) CredentialRecovery(bool)       {}
func (Nop) MessageSent(string)            {}
func (Nop) MessageReceived(string)        {}
func (Nop) MessageDropped(string, string) {}
func (Nop) CallStarted(bool)              {}
func (Nop) CallConnected(time.Duration)   {}
func (Nop) CallFailed(string)             {}
func (Nop) CallEnded()                    {}

var _ Collector = Nop{}
