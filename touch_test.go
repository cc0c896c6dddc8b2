package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func touchFixture(t *testing.T, session *stubSession, config Config) (*TouchWorkflow, *stubNotifier, *stubExecutor) {
	t.Helper()
	dialer := newStubDialer()
	dialer.attach("Reader 0", session)
	m := NewDeviceSessionManager(dialer, NewEvents())
	if _, err := m.ConnectReader(context.Background(), "Reader 0"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	notifier := &stubNotifier{}
	executor := &stubExecutor{}
	return NewTouchWorkflow(m, notifier, executor, config), notifier, executor
}

func waitForExecutions(t *testing.T, executor *stubExecutor, want int) []executedAction {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := executor.executions(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d executions, got %d", want, len(executor.executions()))
	return nil
}

func waitForInactive(t *testing.T, w *TouchWorkflow) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !w.Active() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("workflow still active")
}

func TestTouchSuccessExecutesAction(t *testing.T) {
	session := &stubSession{deviceID: testDeviceA, code: GeneratedCode{Code: "123456"}}
	w, notifier, executor := touchFixture(t, session, defaultStubConfig())

	w.Start(context.Background(), "GitHub:alice", ActionCopy, testDeviceA, "GitHub (alice)")
	executed := waitForExecutions(t, executor, 1)
	waitForInactive(t, w)

	if executed[0].action != ActionCopy || executed[0].code != "123456" || executed[0].title != "GitHub (alice)" {
		t.Fatalf("execution: %+v", executed[0])
	}
	shown, closed, _, _ := notifier.counts()
	if shown != 1 || closed != 1 {
		t.Fatalf("notifications shown=%d closed=%d, want 1/1", shown, closed)
	}
	if w.PendingCredential() != "" {
		t.Fatal("pending credential after completion")
	}
}

func TestTouchSupersedeDropsLateResult(t *testing.T) {
	gate := make(chan struct{})
	slow := &stubSession{deviceID: testDeviceA, code: GeneratedCode{Code: "111111"}, generateGate: gate}
	w, notifier, executor := touchFixture(t, slow, defaultStubConfig())

	ctx := context.Background()
	w.Start(ctx, "First:cred", ActionCopy, testDeviceA, "First")
	if got := w.PendingCredential(); got != "First:cred" {
		t.Fatalf("pending %q", got)
	}

	// Second request supersedes the first; the first generation is still
	// blocked on the hardware.
	w.Start(ctx, "Second:cred", ActionType, testDeviceA, "Second")
	if got := w.PendingCredential(); got != "Second:cred" {
		t.Fatalf("pending after supersede %q", got)
	}

	// Release both generations. The first result is stale and must produce
	// zero side effects; the second completes normally.
	close(gate)
	executed := waitForExecutions(t, executor, 1)
	waitForInactive(t, w)
	time.Sleep(50 * time.Millisecond) // window for a stale execution to appear

	executed = executor.executions()
	if len(executed) != 1 {
		t.Fatalf("%d executions, want 1", len(executed))
	}
	if executed[0].title != "Second" {
		t.Fatalf("executed %+v, want the superseding credential", executed[0])
	}

	shown, closed, _, _ := notifier.counts()
	if shown != 2 {
		t.Fatalf("notifications shown=%d, want 2", shown)
	}
	// One close for the superseded workflow, one for the completed one.
	if closed != 2 {
		t.Fatalf("notifications closed=%d, want 2", closed)
	}
}

func TestTouchTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	slow := &stubSession{deviceID: testDeviceA, generateGate: gate}
	config := defaultStubConfig()
	config.touchTimeout = 50 * time.Millisecond
	w, notifier, executor := touchFixture(t, slow, config)

	w.Start(context.Background(), "GitHub:alice", ActionCopy, testDeviceA, "GitHub (alice)")
	waitForInactive(t, w)

	msg, ok := notifier.lastMessage()
	if !ok || msg.title != "Timeout" {
		t.Fatalf("timeout message: %+v", msg)
	}
	if !strings.Contains(msg.body, "GitHub:alice") {
		t.Fatalf("timeout body %q does not name the credential", msg.body)
	}
	if len(executor.executions()) != 0 {
		t.Fatal("timed-out workflow executed an action")
	}
}

func TestTouchCancelByUser(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	slow := &stubSession{deviceID: testDeviceA, generateGate: gate}
	w, notifier, executor := touchFixture(t, slow, defaultStubConfig())

	w.Start(context.Background(), "GitHub:alice", ActionCopy, testDeviceA, "GitHub (alice)")
	w.Cancel()

	if w.Active() {
		t.Fatal("workflow active after cancel")
	}
	msg, ok := notifier.lastMessage()
	if !ok || msg.title != "Cancelled" {
		t.Fatalf("cancel message: %+v", msg)
	}
	if len(executor.executions()) != 0 {
		t.Fatal("cancelled workflow executed an action")
	}

	// Cancel with nothing pending is a no-op.
	w.Cancel()
}

func TestTouchFailureClosesQuietly(t *testing.T) {
	session := &stubSession{deviceID: testDeviceA, genErr: errors.New("generate failed")}
	w, notifier, executor := touchFixture(t, session, defaultStubConfig())

	w.Start(context.Background(), "GitHub:alice", ActionCopy, testDeviceA, "GitHub (alice)")
	waitForInactive(t, w)

	if len(executor.executions()) != 0 {
		t.Fatal("failed generation executed an action")
	}
	shown, closed, _, _ := notifier.counts()
	if shown != 1 || closed != 1 {
		t.Fatalf("notifications shown=%d closed=%d, want 1/1", shown, closed)
	}
}

func TestTouchExecutorErrorShowsMessage(t *testing.T) {
	session := &stubSession{deviceID: testDeviceA, code: GeneratedCode{Code: "123456"}}
	w, notifier, executor := touchFixture(t, session, defaultStubConfig())
	executor.err = errors.New("clipboard unavailable")

	w.Start(context.Background(), "GitHub:alice", ActionCopy, testDeviceA, "GitHub (alice)")
	waitForExecutions(t, executor, 1)
	waitForInactive(t, w)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := notifier.lastMessage(); ok && msg.title == "Error" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no error message after failed execution")
}
