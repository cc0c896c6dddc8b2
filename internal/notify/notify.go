// Package notify provides the user-facing side effects for a headless
// install: notifications rendered as structured log records with stable ids,
// and code actions dispatched to configurable external commands.
package notify

import (
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/oathkey/agent"
	"github.com/oathkey/agent/internal/config"
)

// LogNotifier implements agent.Notifier. Every shown notification gets a
// uuid so open/close pairs can be correlated in the log stream; a desktop
// front-end would map these to native notification handles.
type LogNotifier struct {
	mu          sync.Mutex
	touchID     string
	reconnectID string
}

var _ agent.Notifier = (*LogNotifier)(nil)

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) ShowTouchNotification(credential string, timeout time.Duration) {
	n.mu.Lock()
	n.touchID = uuid.NewString()
	id := n.touchID
	n.mu.Unlock()
	log.Info().
		Str("notification_id", id).
		Str("credential", credential).
		Dur("timeout", timeout).
		Msg("touch your security key")
}

func (n *LogNotifier) CloseTouchNotification() {
	n.mu.Lock()
	id := n.touchID
	n.touchID = ""
	n.mu.Unlock()
	if id == "" {
		return
	}
	log.Debug().Str("notification_id", id).Msg("touch notification closed")
}

func (n *LogNotifier) ShowReconnectNotification(deviceName, credential string, timeout time.Duration) {
	n.mu.Lock()
	n.reconnectID = uuid.NewString()
	id := n.reconnectID
	n.mu.Unlock()
	log.Info().
		Str("notification_id", id).
		Str("device", deviceName).
		Str("credential", credential).
		Dur("timeout", timeout).
		Msg("insert your security key")
}

func (n *LogNotifier) CloseReconnectNotification() {
	n.mu.Lock()
	id := n.reconnectID
	n.reconnectID = ""
	n.mu.Unlock()
	if id == "" {
		return
	}
	log.Debug().Str("notification_id", id).Msg("reconnect notification closed")
}

func (n *LogNotifier) ShowMessage(title, body string) {
	log.Info().
		Str("notification_id", uuid.NewString()).
		Str("title", title).
		Msg(body)
}

const (
	envCopyCommand = "OATH_AGENT_COPY_CMD"
	envTypeCommand = "OATH_AGENT_TYPE_CMD"

	defaultCopyCommand = "wl-copy"
	defaultTypeCommand = "wtype -"
)

// CommandExecutor implements agent.ActionExecutor by piping the code into an
// external command: a clipboard tool for copy, a keystroke injector for
// type. Commands are read from the environment per call so they follow
// config changes.
type CommandExecutor struct{}

var _ agent.ActionExecutor = (*CommandExecutor)(nil)

func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{}
}

func (e *CommandExecutor) Execute(action agent.ActionKind, code, title string) error {
	var cmdline string
	switch action {
	case agent.ActionType:
		cmdline = config.String(envTypeCommand, defaultTypeCommand)
	default:
		cmdline = config.String(envCopyCommand, defaultCopyCommand)
	}
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return pkgerrors.Errorf("notify: empty command for action %q", action)
	}

	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdin = strings.NewReader(code)
	if out, err := cmd.CombinedOutput(); err != nil {
		return pkgerrors.Wrapf(err, "notify: %s command failed: %s", action, strings.TrimSpace(string(out)))
	}
	log.Info().
		Str("action", string(action)).
		Str("credential", title).
		Msg("code delivered")
	return nil
}
