package listener

import (
	"testing"

	"github.com/udovin/ntied-core/internal/addr"
)

type recordingObserver struct {
	NopObserver
	accepted int
}

func (r *recordingObserver) OnContactAccepted(addr.Address, Profile) {
	r.accepted++
}

func TestNopObserverSatisfiesInterface(t *testing.T) {
	var obs Observer = NopObserver{}
	obs.OnContactIncoming(addr.Zero, Profile("hi"))
}

func TestEmbeddingOverridesSelectively(t *testing.T) {
	obs := &recordingObserver{}
	var o Observer = obs

	o.OnContactIncoming(addr.Zero, Profile("hi"))
	o.OnContactAccepted(addr.Zero, Profile("hi"))
	o.OnContactAccepted(addr.Zero, Profile("hi"))

	if obs.accepted != 2 {
		t.Errorf("accepted = %d, want 2", obs.accepted)
	}
}
