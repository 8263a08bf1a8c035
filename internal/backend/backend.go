// Package backend implements the session realization strategies (process,
// tmux, local container, remote container, chat) behind a single Backend
// interface, plus the registry that routes calls to them and fans their
// events out on one channel.
package backend

import (
	"context"
	"os"
	"os/exec"

	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
)

// SpawnRequest carries everything a backend needs to bring up a session.
type SpawnRequest struct {
	AgentID string
	TeamID  string
	UserID  string

	// RepoURL, when set, seeds a fresh team workspace with a git clone.
	RepoURL string

	Cols uint16
	Rows uint16
	Env  []string
}

// Backend is one strategy for realizing sessions. All methods are safe for
// concurrent use. Kill is idempotent and returns whether a live session was
// actually terminated.
type Backend interface {
	Kind() models.BackendKind

	// Spawn creates (or reconnects) the session for req.AgentID. A
	// provisioning failure returns both a session with status=error and
	// the error itself; the failed session stays queryable.
	Spawn(ctx context.Context, req SpawnRequest) (*models.Session, error)

	Input(agentID string, data []byte) error
	Resize(agentID string, cols, rows uint16) error
	Kill(agentID string) bool
	Get(agentID string) (*models.Session, bool)
	List() []*models.Session

	// Cleanup removes stale sessions and returns how many were reaped.
	Cleanup() int

	// Events is the backend's single outbound event channel. The registry
	// is its only consumer.
	Events() <-chan models.SessionEvent

	// Shutdown kills every live session and releases backend resources.
	Shutdown()
}

const eventChannelDepth = 256

// emitter is the shared event-publication plumbing embedded by every
// backend: a bounded channel with non-blocking sends so a slow consumer
// never stalls PTY read loops.
type emitter struct {
	events chan models.SessionEvent
}

func newEmitter() emitter {
	return emitter{events: make(chan models.SessionEvent, eventChannelDepth)}
}

func (e *emitter) Events() <-chan models.SessionEvent { return e.events }

func (e *emitter) publish(ev models.SessionEvent) {
	select {
	case e.events <- ev:
	default:
		logger.Warnf("event channel full, dropping %s for agent %s", ev.Type, ev.AgentID)
	}
}

func (e *emitter) emitReady(agentID string) {
	e.publish(models.NewEvent(models.EventReady, agentID))
}

func (e *emitter) emitData(agentID string, data []byte) {
	ev := models.NewEvent(models.EventData, agentID)
	ev.Data = append([]byte(nil), data...)
	e.publish(ev)
}

func (e *emitter) emitExit(agentID string, code int, signal string) {
	ev := models.NewEvent(models.EventExit, agentID)
	ev.ExitCode = code
	ev.Signal = signal
	e.publish(ev)
}

func (e *emitter) emitError(agentID string, err error) {
	ev := models.NewEvent(models.EventError, agentID)
	ev.Err = err.Error()
	e.publish(ev)
}

// pump reads PTY output into data events until the attached process exits,
// then marks the session stopped and emits the exit event. extra, when
// non-nil, sees every chunk as well (container output rings).
func (e *emitter) pump(sess *models.Session, ptmx *os.File, cmd *exec.Cmd, extra func([]byte)) {
	agentID := sess.AgentID
	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			if extra != nil {
				extra(buf[:n])
			}
			e.emitData(agentID, buf[:n])
		}
		if err != nil {
			break
		}
	}

	code, signal := waitExit(cmd)
	sess.SetStatus(models.StatusStopped)
	e.emitExit(agentID, code, signal)
	logger.Debugf("session %s detached (code %d, signal %q)", agentID, code, signal)
}
