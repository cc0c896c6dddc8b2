package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

type reconnectFixture struct {
	manager  *DeviceSessionManager
	store    *stubStore
	notifier *stubNotifier
	executor *stubExecutor
	events   *Events
	touch    *TouchWorkflow
	workflow *ReconnectWorkflow
	dialer   *stubDialer
}

func newReconnectFixture(t *testing.T, config Config) *reconnectFixture {
	t.Helper()
	dialer := newStubDialer()
	events := NewEvents()
	manager := NewDeviceSessionManager(dialer, events)
	store := newStubStore()
	notifier := &stubNotifier{}
	executor := &stubExecutor{}
	touch := NewTouchWorkflow(manager, notifier, executor, config)
	workflow := NewReconnectWorkflow(manager, store, notifier, executor, config, touch, events)
	return &reconnectFixture{
		manager:  manager,
		store:    store,
		notifier: notifier,
		executor: executor,
		events:   events,
		touch:    touch,
		workflow: workflow,
		dialer:   dialer,
	}
}

// plugIn simulates the device arriving: session registered, credentials
// fetched, credentials-updated emitted.
func (f *reconnectFixture) plugIn(t *testing.T, session *stubSession, creds []Credential) {
	t.Helper()
	f.dialer.attach("Reader 0", session)
	if _, err := f.manager.ConnectReader(context.Background(), "Reader 0"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	f.manager.GetDevice(session.deviceID).setCredentials(creds)
	f.events.emitCredentialsUpdated(session.deviceID)
}

func TestReconnectResolvesOnDeviceReturn(t *testing.T) {
	f := newReconnectFixture(t, defaultStubConfig())
	f.workflow.Start(context.Background(), testDeviceA, "GitHub:alice", ActionCopy)

	if id, waiting := f.workflow.Waiting(); !waiting || id != testDeviceA {
		t.Fatalf("not waiting for %s: id=%q waiting=%v", testDeviceA, id, waiting)
	}
	if _, _, shown, _ := f.notifier.counts(); shown != 1 {
		t.Fatalf("reconnect notification shown=%d, want 1", shown)
	}

	session := &stubSession{deviceID: testDeviceA, code: GeneratedCode{Code: "654321"}}
	f.plugIn(t, session, []Credential{{
		Name: "GitHub:alice", Issuer: "GitHub", Account: "alice", DeviceID: testDeviceA,
	}})

	executed := f.executor.executions()
	if len(executed) != 1 {
		t.Fatalf("%d executions, want 1", len(executed))
	}
	if executed[0].code != "654321" || executed[0].title != "GitHub (alice)" {
		t.Fatalf("execution: %+v", executed[0])
	}
	if _, waiting := f.workflow.Waiting(); waiting {
		t.Fatal("still waiting after resolution")
	}
	if _, _, _, closed := f.notifier.counts(); closed != 1 {
		t.Fatal("reconnect notification not closed")
	}
}

func TestReconnectIgnoresOtherDevices(t *testing.T) {
	f := newReconnectFixture(t, defaultStubConfig())
	f.workflow.Start(context.Background(), testDeviceA, "GitHub:alice", ActionCopy)

	session := &stubSession{deviceID: testDeviceB, code: GeneratedCode{Code: "999999"}}
	f.plugIn(t, session, []Credential{{Name: "GitHub:alice", DeviceID: testDeviceB}})

	if len(f.executor.executions()) != 0 {
		t.Fatal("resolved on the wrong device")
	}
	if id, waiting := f.workflow.Waiting(); !waiting || id != testDeviceA {
		t.Fatalf("no longer waiting for %s", testDeviceA)
	}
}

func TestReconnectCredentialDeletedFromDevice(t *testing.T) {
	f := newReconnectFixture(t, defaultStubConfig())
	f.workflow.Start(context.Background(), testDeviceA, "GitHub:alice", ActionCopy)

	session := &stubSession{deviceID: testDeviceA}
	f.plugIn(t, session, []Credential{{Name: "Other:cred", DeviceID: testDeviceA}})

	if len(f.executor.executions()) != 0 {
		t.Fatal("executed an action for a missing credential")
	}
	msg, ok := f.notifier.lastMessage()
	if !ok || !strings.Contains(msg.body, "GitHub:alice") {
		t.Fatalf("missing-credential message: %+v", msg)
	}
	if _, waiting := f.workflow.Waiting(); waiting {
		t.Fatal("still waiting after failed resolution")
	}
}

func TestReconnectRevalidatesAuthentication(t *testing.T) {
	f := newReconnectFixture(t, defaultStubConfig())
	f.store.devices[testDeviceA] = DeviceRecord{DeviceID: testDeviceA, RequiresPassword: true}

	f.workflow.Start(context.Background(), testDeviceA, "GitHub:alice", ActionCopy)

	// Device returns but no password was loaded into the session.
	session := &stubSession{deviceID: testDeviceA}
	f.plugIn(t, session, []Credential{{Name: "GitHub:alice", DeviceID: testDeviceA}})

	if len(f.executor.executions()) != 0 {
		t.Fatal("executed despite missing authentication")
	}
	msg, ok := f.notifier.lastMessage()
	if !ok || msg.title != "Authentication required" {
		t.Fatalf("auth message: %+v", msg)
	}
}

func TestReconnectDelegatesTouchCredential(t *testing.T) {
	f := newReconnectFixture(t, defaultStubConfig())
	f.workflow.Start(context.Background(), testDeviceA, "GitHub:alice", ActionCopy)

	gate := make(chan struct{})
	session := &stubSession{deviceID: testDeviceA, code: GeneratedCode{Code: "654321"}, generateGate: gate}
	f.plugIn(t, session, []Credential{{
		Name: "GitHub:alice", Issuer: "GitHub", Account: "alice",
		RequiresTouch: true, DeviceID: testDeviceA,
	}})

	// The reconnect workflow hands over to the touch workflow instead of
	// generating synchronously.
	if !f.touch.Active() {
		t.Fatal("touch workflow not started for touch credential")
	}
	if got := f.touch.PendingCredential(); got != "GitHub:alice" {
		t.Fatalf("touch pending %q", got)
	}

	close(gate)
	waitForExecutions(t, f.executor, 1)
}

func TestReconnectTimeout(t *testing.T) {
	config := defaultStubConfig()
	config.reconnectTimeout = 50 * time.Millisecond
	f := newReconnectFixture(t, config)

	f.workflow.Start(context.Background(), testDeviceA, "GitHub:alice", ActionCopy)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, waiting := f.workflow.Waiting(); !waiting {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, waiting := f.workflow.Waiting(); waiting {
		t.Fatal("workflow did not time out")
	}
	msg, ok := f.notifier.lastMessage()
	if !ok || msg.title != "Timeout" {
		t.Fatalf("timeout message: %+v", msg)
	}

	// A late return of the device has zero side effects.
	session := &stubSession{deviceID: testDeviceA, code: GeneratedCode{Code: "654321"}}
	f.plugIn(t, session, []Credential{{Name: "GitHub:alice", DeviceID: testDeviceA}})
	if len(f.executor.executions()) != 0 {
		t.Fatal("timed-out workflow executed an action")
	}
}

func TestReconnectSupersede(t *testing.T) {
	f := newReconnectFixture(t, defaultStubConfig())
	ctx := context.Background()

	f.workflow.Start(ctx, testDeviceA, "GitHub:alice", ActionCopy)
	f.workflow.Start(ctx, testDeviceB, "AWS:alice", ActionCopy)

	if id, waiting := f.workflow.Waiting(); !waiting || id != testDeviceB {
		t.Fatalf("waiting for %q, want %q", id, testDeviceB)
	}
	// The superseded notification was closed and a new one shown.
	_, _, shown, closed := f.notifier.counts()
	if shown != 2 || closed != 1 {
		t.Fatalf("reconnect notifications shown=%d closed=%d, want 2/1", shown, closed)
	}

	// Device A returning resolves nothing now.
	session := &stubSession{deviceID: testDeviceA, code: GeneratedCode{Code: "654321"}}
	f.plugIn(t, session, []Credential{{Name: "GitHub:alice", DeviceID: testDeviceA}})
	if len(f.executor.executions()) != 0 {
		t.Fatal("superseded workflow executed an action")
	}
}

func TestReconnectCancelByUser(t *testing.T) {
	f := newReconnectFixture(t, defaultStubConfig())
	f.workflow.Start(context.Background(), testDeviceA, "GitHub:alice", ActionCopy)
	f.workflow.Cancel()

	if _, waiting := f.workflow.Waiting(); waiting {
		t.Fatal("still waiting after cancel")
	}
	msg, ok := f.notifier.lastMessage()
	if !ok || msg.title != "Cancelled" {
		t.Fatalf("cancel message: %+v", msg)
	}
	// Cancel with nothing pending is a no-op.
	f.workflow.Cancel()
}
