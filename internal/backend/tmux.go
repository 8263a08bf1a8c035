package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/recovery"
	"github.com/colabvibe/colabvibe/internal/store"
)

// SessionPrefix is the fixed prefix of every tmux session this backend
// creates. Existing persisted linkage depends on this exact value; changing
// it orphans every reconnectable session.
const SessionPrefix = "colabvibe-"

// TmuxSessionName returns the deterministic tmux session name for an agent.
func TmuxSessionName(agentID string) string {
	return SessionPrefix + agentID
}

// keystrokeDelay separates the injected startup commands. Sending them
// back-to-back races the shell's readiness to accept input.
const keystrokeDelay = 150 * time.Millisecond

// TmuxBackend realizes sessions as named tmux sessions that outlive any
// attached client. Spawn attaches a fresh PTY to an existing session when
// one is found, so a reconnecting client resumes where it left off.
type TmuxBackend struct {
	emitter
	cfg   *config.Config
	store store.Store

	mu       sync.Mutex
	sessions map[string]*tmuxSession
}

type tmuxSession struct {
	session *models.Session
	name    string
	cmd     *exec.Cmd
	ptmx    *os.File
}

func NewTmuxBackend(cfg *config.Config, st store.Store) *TmuxBackend {
	return &TmuxBackend{
		emitter:  newEmitter(),
		cfg:      cfg,
		store:    st,
		sessions: make(map[string]*tmuxSession),
	}
}

func (b *TmuxBackend) Kind() models.BackendKind {
	return models.BackendKind{Location: models.LocationLocal, Isolation: models.IsolationTmux}
}

func (b *TmuxBackend) Spawn(ctx context.Context, req SpawnRequest) (*models.Session, error) {
	b.mu.Lock()
	if existing, ok := b.sessions[req.AgentID]; ok && !existing.session.GetStatus().Terminal() {
		b.mu.Unlock()
		return existing.session.Clone(), nil
	}
	sess := models.NewSession(req.AgentID, b.Kind(), req.TeamID, req.UserID)
	ts := &tmuxSession{session: sess, name: TmuxSessionName(req.AgentID)}
	b.sessions[req.AgentID] = ts
	b.mu.Unlock()

	sess.SetMeta("tmux_session", ts.name)

	if b.tmuxSessionExists(ctx, ts.name) {
		// Reconnect path: the server-side session survived, just attach.
		sess.SetMeta("reconnected", "true")
		logger.Infof("reattaching to existing tmux session %s", ts.name)
	} else {
		if err := b.provision(ctx, ts, req); err != nil {
			sess.SetError(err.Error())
			b.emitError(req.AgentID, err)
			return sess.Clone(), err
		}
	}

	if err := b.attach(ts, req); err != nil {
		sess.SetError(err.Error())
		b.emitError(req.AgentID, err)
		return sess.Clone(), err
	}

	if err := b.store.UpsertSessionLinkage(req.AgentID, store.Linkage{
		Name:       ts.name,
		Persistent: true,
		Status:     string(models.StatusRunning),
	}); err != nil {
		logger.Warnf("failed to persist linkage for %s: %v", req.AgentID, err)
	}

	sess.SetStatus(models.StatusRunning)
	b.emitReady(req.AgentID)
	return sess.Clone(), nil
}

func (b *TmuxBackend) tmuxSessionExists(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run() == nil
}

// provision creates the tmux session and injects the environment exports and
// agent invocation as discrete keystroke commands.
func (b *TmuxBackend) provision(ctx context.Context, ts *tmuxSession, req SpawnRequest) error {
	workDir, err := prepareWorkspace(b.cfg, req.TeamID, req.RepoURL)
	if err != nil {
		return &models.ProvisioningError{Resource: "workspace", Err: err}
	}
	ts.session.SetMeta("workspace", workDir)

	create := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", ts.name, "-c", workDir)
	if out, err := create.CombinedOutput(); err != nil {
		return &models.ProvisioningError{
			Resource: "tmux session " + ts.name,
			Err:      fmt.Errorf("%w: %s", err, string(out)),
		}
	}

	startup := make([]string, 0, len(req.Env)+1)
	for _, kv := range req.Env {
		startup = append(startup, "export "+kv)
	}
	startup = append(startup, b.cfg.AgentCommand)

	for _, line := range startup {
		send := exec.CommandContext(ctx, "tmux", "send-keys", "-t", ts.name, line, "Enter")
		if err := send.Run(); err != nil {
			return &models.ProvisioningError{Resource: "tmux send-keys", Err: err}
		}
		time.Sleep(keystrokeDelay)
	}

	logger.Infof("created tmux session %s in %s", ts.name, workDir)
	return nil
}

// attach binds a fresh PTY to the tmux session and starts pumping output.
func (b *TmuxBackend) attach(ts *tmuxSession, req SpawnRequest) error {
	cmd := exec.Command("tmux", "attach-session", "-t", ts.name)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &models.ProvisioningError{Resource: "tmux attach", Err: err}
	}
	ts.cmd = cmd
	ts.ptmx = ptmx
	if req.Cols > 0 && req.Rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: req.Cols, Rows: req.Rows})
	}

	recovery.SafeGo("tmux-read-"+req.AgentID, func() {
		b.pump(ts.session, ptmx, cmd, nil)
	})
	return nil
}

func (b *TmuxBackend) Input(agentID string, data []byte) error {
	b.mu.Lock()
	ts, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok || ts.ptmx == nil {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	_, err := ts.ptmx.Write(data)
	return err
}

func (b *TmuxBackend) Resize(agentID string, cols, rows uint16) error {
	b.mu.Lock()
	ts, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok || ts.ptmx == nil {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	return pty.Setsize(ts.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill tears down the attach PTY, then best-effort destroys the tmux session
// itself and clears the persisted linkage.
func (b *TmuxBackend) Kill(agentID string) bool {
	b.mu.Lock()
	ts, ok := b.sessions[agentID]
	if ok {
		delete(b.sessions, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	wasLive := !ts.session.GetStatus().Terminal()
	ts.session.SetStatus(models.StatusStopped)
	if ts.ptmx != nil {
		_ = ts.ptmx.Close()
	}
	if ts.cmd != nil && ts.cmd.Process != nil {
		_ = ts.cmd.Process.Kill()
	}

	if err := exec.Command("tmux", "kill-session", "-t", ts.name).Run(); err != nil {
		logger.Warnf("failed to kill tmux session %s: %v", ts.name, err)
	}
	if err := b.store.DeleteSessionLinkage(agentID); err != nil {
		logger.Warnf("failed to clear linkage for %s: %v", agentID, err)
	}
	return wasLive
}

func (b *TmuxBackend) Get(agentID string) (*models.Session, bool) {
	b.mu.Lock()
	ts, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ts.session.Clone(), true
}

func (b *TmuxBackend) List() []*models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Session, 0, len(b.sessions))
	for _, ts := range b.sessions {
		out = append(out, ts.session.Clone())
	}
	return out
}

// Cleanup uses the multi-hour staleness threshold: these sessions are meant
// to outlive individual client connections.
func (b *TmuxBackend) Cleanup() int {
	b.mu.Lock()
	var stale []string
	for id, ts := range b.sessions {
		if ts.session.GetStatus() == models.StatusError ||
			time.Since(ts.session.CreatedAt) > b.cfg.TmuxStaleAfter {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		logger.Infof("reaping stale tmux session %s", id)
		b.Kill(id)
	}
	return len(stale)
}

func (b *TmuxBackend) Shutdown() {
	for _, s := range b.List() {
		b.Kill(s.AgentID)
	}
}
