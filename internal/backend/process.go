package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	git "github.com/go-git/go-git/v5"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/recovery"
)

// ProcessBackend realizes sessions as a bash shell on a pseudo-terminal,
// rooted in the per-team workspace directory.
type ProcessBackend struct {
	emitter
	cfg *config.Config

	mu       sync.Mutex
	sessions map[string]*processSession
}

type processSession struct {
	session *models.Session
	cmd     *exec.Cmd
	ptmx    *os.File
}

func NewProcessBackend(cfg *config.Config) *ProcessBackend {
	return &ProcessBackend{
		emitter:  newEmitter(),
		cfg:      cfg,
		sessions: make(map[string]*processSession),
	}
}

func (b *ProcessBackend) Kind() models.BackendKind {
	return models.BackendKind{Location: models.LocationLocal, Isolation: models.IsolationProcess}
}

func (b *ProcessBackend) Spawn(ctx context.Context, req SpawnRequest) (*models.Session, error) {
	b.mu.Lock()
	if existing, ok := b.sessions[req.AgentID]; ok && !existing.session.GetStatus().Terminal() {
		b.mu.Unlock()
		return existing.session.Clone(), nil
	}
	sess := models.NewSession(req.AgentID, b.Kind(), req.TeamID, req.UserID)
	ps := &processSession{session: sess}
	b.sessions[req.AgentID] = ps
	b.mu.Unlock()

	workDir, err := prepareWorkspace(b.cfg, req.TeamID, req.RepoURL)
	if err != nil {
		provErr := &models.ProvisioningError{Resource: "workspace", Err: err}
		sess.SetError(provErr.Error())
		b.emitError(req.AgentID, provErr)
		return sess.Clone(), provErr
	}
	sess.SetMeta("workspace", workDir)

	cmd := exec.Command("/bin/bash", "-l")
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, req.Env...)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		provErr := &models.ProvisioningError{Resource: "pty", Err: err}
		sess.SetError(provErr.Error())
		b.emitError(req.AgentID, provErr)
		return sess.Clone(), provErr
	}

	ps.cmd = cmd
	ps.ptmx = ptmx
	if req.Cols > 0 && req.Rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: req.Cols, Rows: req.Rows})
	}

	sess.SetStatus(models.StatusRunning)
	b.emitReady(req.AgentID)

	recovery.SafeGo("process-read-"+req.AgentID, func() {
		b.pump(sess, ptmx, cmd, nil)
	})

	logger.Infof("spawned process session %s in %s (pid %d)", req.AgentID, workDir, cmd.Process.Pid)
	return sess.Clone(), nil
}

func (b *ProcessBackend) Input(agentID string, data []byte) error {
	b.mu.Lock()
	ps, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok || ps.ptmx == nil {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	_, err := ps.ptmx.Write(data)
	return err
}

func (b *ProcessBackend) Resize(agentID string, cols, rows uint16) error {
	b.mu.Lock()
	ps, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok || ps.ptmx == nil {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	return pty.Setsize(ps.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (b *ProcessBackend) Kill(agentID string) bool {
	b.mu.Lock()
	ps, ok := b.sessions[agentID]
	if ok {
		delete(b.sessions, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	wasLive := !ps.session.GetStatus().Terminal()
	ps.session.SetStatus(models.StatusStopped)
	if ps.ptmx != nil {
		_ = ps.ptmx.Close()
	}
	if ps.cmd != nil && ps.cmd.Process != nil {
		_ = ps.cmd.Process.Kill()
	}
	return wasLive
}

func (b *ProcessBackend) Get(agentID string) (*models.Session, bool) {
	b.mu.Lock()
	ps, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return ps.session.Clone(), true
}

func (b *ProcessBackend) List() []*models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Session, 0, len(b.sessions))
	for _, ps := range b.sessions {
		out = append(out, ps.session.Clone())
	}
	return out
}

// Cleanup reaps sessions that are stale: older than the configured
// threshold, already dead, or in the error state.
func (b *ProcessBackend) Cleanup() int {
	b.mu.Lock()
	var stale []string
	for id, ps := range b.sessions {
		if b.isStale(ps) {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		logger.Infof("reaping stale process session %s", id)
		b.Kill(id)
	}
	return len(stale)
}

func (b *ProcessBackend) isStale(ps *processSession) bool {
	if ps.session.GetStatus() == models.StatusError {
		return true
	}
	if time.Since(ps.session.CreatedAt) > b.cfg.ProcessStaleAfter {
		return true
	}
	if ps.cmd != nil && ps.cmd.Process != nil {
		if err := ps.cmd.Process.Signal(syscall.Signal(0)); err != nil {
			return true
		}
	}
	return false
}

func (b *ProcessBackend) Shutdown() {
	for _, s := range b.List() {
		b.Kill(s.AgentID)
	}
}

// prepareWorkspace creates the team workspace directory on demand and, for a
// brand-new directory with a repository URL, seeds it with a one-time clone.
func prepareWorkspace(cfg *config.Config, teamID, repoURL string) (string, error) {
	dir := cfg.TeamWorkspace(teamID)

	entries, err := os.ReadDir(dir)
	fresh := false
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("failed to inspect workspace %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create workspace %s: %w", dir, err)
		}
		fresh = true
	} else {
		fresh = len(entries) == 0
	}

	if fresh && repoURL != "" {
		logger.Infof("initializing workspace %s from %s", dir, repoURL)
		if _, err := git.PlainClone(dir, false, &git.CloneOptions{URL: repoURL, Depth: 1}); err != nil {
			return "", fmt.Errorf("failed to clone %s: %w", repoURL, err)
		}
	}
	return dir, nil
}

// waitExit collects the child's exit code and terminating signal name.
func waitExit(cmd *exec.Cmd) (code int, signal string) {
	err := cmd.Wait()
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, ws.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
