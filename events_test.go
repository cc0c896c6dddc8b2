package agent

import "testing"

func TestEventsFanOutInRegistrationOrder(t *testing.T) {
	e := NewEvents()

	var order []string
	e.OnCredentialsUpdated(func(id string) { order = append(order, "first:"+id) })
	e.OnCredentialsUpdated(func(id string) { order = append(order, "second:"+id) })
	e.emitCredentialsUpdated(testDeviceA)

	if len(order) != 2 || order[0] != "first:"+testDeviceA || order[1] != "second:"+testDeviceA {
		t.Fatalf("fan-out order %v", order)
	}
}

func TestEventsAuthenticationFailedCarriesReason(t *testing.T) {
	e := NewEvents()

	var got []string
	e.OnAuthenticationFailed(func(id, reason string) { got = append(got, id+"/"+reason) })
	e.OnAuthenticationFailed(func(id, reason string) { got = append(got, id+"/"+reason) })
	e.emitAuthenticationFailed(testDeviceA, "wrong password")

	want := testDeviceA + "/wrong password"
	if len(got) != 2 || got[0] != want || got[1] != want {
		t.Fatalf("observers saw %v, want two of %q", got, want)
	}
}

func TestEventsReconnectCompletedCarriesOutcome(t *testing.T) {
	e := NewEvents()

	var outcomes []bool
	e.OnReconnectCompleted(func(id string, ok bool) { outcomes = append(outcomes, ok) })
	e.emitReconnectCompleted(testDeviceA, true)
	e.emitReconnectCompleted(testDeviceA, false)

	if len(outcomes) != 2 || !outcomes[0] || outcomes[1] {
		t.Fatalf("outcomes %v, want [true false]", outcomes)
	}
}

func TestEventsEmitWithNoObservers(t *testing.T) {
	e := NewEvents()
	e.emitReaderListChanged()
	e.emitCardInserted("Reader 0")
	e.emitAuthenticationFailed(testDeviceA, "wrong password")
	e.emitReconnectCompleted(testDeviceA, false)
}
