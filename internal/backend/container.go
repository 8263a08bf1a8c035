package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/recovery"
	"github.com/colabvibe/colabvibe/internal/store"
	"github.com/colabvibe/colabvibe/internal/transport"
)

const outputRingSize = 32 * 1024

// ContainerBackend realizes sessions inside one reusable container per
// (user, team) pair. Runtime commands travel through a transport.Executor so
// the same lifecycle serves both the local runtime and a remote host; only
// the interactive attach invocation differs.
type ContainerBackend struct {
	emitter
	cfg   *config.Config
	store store.Store
	kind  models.BackendKind
	exec  transport.Executor

	// attachArgv builds the interactive shell invocation for a container.
	attachArgv func(containerID string) []string

	mu         sync.Mutex
	sessions   map[string]*containerSession
	containers map[string]string // user/team -> container id
	rings      map[string]*outputRing

	// provisioning serializes container creation per (user, team) key so
	// concurrent spawns share one container instead of racing to provision
	// two.
	provisioning map[string]*sync.Mutex
}

type containerSession struct {
	session     *models.Session
	containerID string
	cmd         *exec.Cmd
	ptmx        *os.File
}

// NewLocalContainerBackend runs everything against the local container
// runtime.
func NewLocalContainerBackend(cfg *config.Config, st store.Store) *ContainerBackend {
	runtime := cfg.Containers.Runtime
	return &ContainerBackend{
		emitter: newEmitter(),
		cfg:     cfg,
		store:   st,
		kind:    models.BackendKind{Location: models.LocationLocal, Isolation: models.IsolationContainer},
		exec:    transport.NewLocalExecutor(),
		attachArgv: func(containerID string) []string {
			return []string{runtime, "exec", "-it", containerID, "/bin/bash"}
		},
		sessions:     make(map[string]*containerSession),
		containers:   make(map[string]string),
		rings:        make(map[string]*outputRing),
		provisioning: make(map[string]*sync.Mutex),
	}
}

func (b *ContainerBackend) Kind() models.BackendKind { return b.kind }

func (b *ContainerBackend) Spawn(ctx context.Context, req SpawnRequest) (*models.Session, error) {
	b.mu.Lock()
	if existing, ok := b.sessions[req.AgentID]; ok && !existing.session.GetStatus().Terminal() {
		b.mu.Unlock()
		return existing.session.Clone(), nil
	}
	sess := models.NewSession(req.AgentID, b.kind, req.TeamID, req.UserID)
	cs := &containerSession{session: sess}
	b.sessions[req.AgentID] = cs
	ring := newOutputRing(outputRingSize)
	b.rings[req.AgentID] = ring
	b.mu.Unlock()

	containerID, err := b.getOrCreateUserContainer(ctx, req.UserID, req.TeamID)
	if err != nil {
		sess.SetError(err.Error())
		b.emitError(req.AgentID, err)
		return sess.Clone(), err
	}
	cs.containerID = containerID
	sess.SetMeta("container_id", containerID)

	if err := b.awaitReady(ctx, containerID); err != nil {
		sess.SetError(err.Error())
		b.emitError(req.AgentID, err)
		return sess.Clone(), err
	}

	if err := b.attach(cs, ring, req); err != nil {
		sess.SetError(err.Error())
		b.emitError(req.AgentID, err)
		return sess.Clone(), err
	}

	sess.SetStatus(models.StatusRunning)
	b.emitReady(req.AgentID)
	return sess.Clone(), nil
}

// getOrCreateUserContainer returns a live container for the (user, team)
// pair, provisioning one when none exists or the recorded one is dead. The
// per-key lock with a re-check keeps concurrent spawns for the same pair on
// one container.
func (b *ContainerBackend) getOrCreateUserContainer(ctx context.Context, userID, teamID string) (string, error) {
	key := userID + "/" + teamID

	b.mu.Lock()
	lock, ok := b.provisioning[key]
	if !ok {
		lock = &sync.Mutex{}
		b.provisioning[key] = lock
	}
	b.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	containerID := b.containers[key]
	b.mu.Unlock()

	if containerID == "" {
		// A previous server run may have left a usable container behind.
		if linkage, err := b.store.GetSessionLinkage("container:" + key); err == nil && linkage != nil {
			containerID = linkage.Name
		}
	}

	if containerID != "" && b.containerAlive(ctx, containerID) {
		b.mu.Lock()
		b.containers[key] = containerID
		b.mu.Unlock()
		return containerID, nil
	}

	containerID, err := b.provisionContainer(ctx, userID, teamID)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	b.containers[key] = containerID
	b.mu.Unlock()
	if err := b.store.UpsertSessionLinkage("container:"+key, store.Linkage{
		Name:       containerID,
		Persistent: true,
		Status:     string(models.StatusRunning),
	}); err != nil {
		logger.Warnf("failed to persist container id for %s: %v", key, err)
	}
	return containerID, nil
}

func (b *ContainerBackend) containerAlive(ctx context.Context, containerID string) bool {
	res, err := b.run(ctx, b.cfg.Containers.Runtime, "inspect", "-f", "{{.State.Running}}", containerID)
	return err == nil && res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "true"
}

func (b *ContainerBackend) provisionContainer(ctx context.Context, userID, teamID string) (string, error) {
	workDir := b.cfg.TeamWorkspace(teamID)
	if res, err := b.run(ctx, "mkdir", "-p", workDir); err != nil || res.ExitCode != 0 {
		return "", &models.ProvisioningError{
			Resource: "workspace " + workDir,
			Err:      fmt.Errorf("mkdir failed: %v (exit %d)", err, exitCodeOf(res)),
		}
	}

	name := fmt.Sprintf("colabvibe-%s-%s", userID, teamID)
	c := b.cfg.Containers
	argv := []string{
		c.Runtime, "run", "-d",
		"--name", name,
		"--memory", c.Memory,
		"--cpus", c.CPUs,
		"--restart", c.RestartPolicy,
		"-v", workDir + ":/workspace",
		"-w", "/workspace",
		"--label", "colabvibe.user=" + userID,
		"--label", "colabvibe.team=" + teamID,
		c.AgentImage,
		"sleep", "infinity",
	}

	// A dead container can squat on the name; clear it first.
	_, _ = b.run(ctx, c.Runtime, "rm", "-f", name)

	res, err := b.run(ctx, argv...)
	if err != nil {
		return "", &models.ProvisioningError{Resource: "container " + name, Err: err}
	}
	if res.ExitCode != 0 {
		return "", &models.ProvisioningError{
			Resource: "container " + name,
			Err:      fmt.Errorf("runtime exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
		}
	}

	containerID := strings.TrimSpace(res.Stdout)
	logger.Infof("provisioned container %s (%s) for %s/%s", name, shortID(containerID), userID, teamID)
	return containerID, nil
}

// awaitReady polls until the container reports running and the configured
// user with a working shell exists inside it. Attaching earlier races the
// image bootstrap.
func (b *ContainerBackend) awaitReady(ctx context.Context, containerID string) error {
	r := b.cfg.Readiness
	deadline := time.Now().Add(r.Timeout)
	user := b.cfg.Containers.User
	probe := fmt.Sprintf(`id -u %s >/dev/null 2>&1 && test -x "$(getent passwd %s | cut -d: -f7)"`, user, user)

	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		if b.containerAlive(ctx, containerID) {
			res, err := b.run(ctx, b.cfg.Containers.Runtime, "exec", containerID, "sh", "-c", probe)
			if err == nil && res.ExitCode == 0 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Interval):
		}
	}
	return &models.ReadinessTimeoutError{
		Resource: "container " + shortID(containerID),
		Attempts: r.MaxAttempts,
	}
}

// attach runs an interactive shell inside the container on a PTY. Either
// output or process exit must arrive within the attach timeout, otherwise
// the attach is declared failed and torn down.
func (b *ContainerBackend) attach(cs *containerSession, ring *outputRing, req SpawnRequest) error {
	argv := b.attachArgv(cs.containerID)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return &models.ProvisioningError{Resource: "container attach", Err: err}
	}
	cs.cmd = cmd
	cs.ptmx = ptmx
	if req.Cols > 0 && req.Rows > 0 {
		_ = pty.Setsize(ptmx, &pty.Winsize{Cols: req.Cols, Rows: req.Rows})
	}

	var once sync.Once
	alive := make(chan struct{})
	tap := func(p []byte) {
		ring.Write(p)
		once.Do(func() { close(alive) })
	}

	done := make(chan struct{})
	recovery.SafeGoWithCleanup("container-read-"+req.AgentID, func() {
		b.pump(cs.session, ptmx, cmd, tap)
	}, func() {
		close(done)
	})

	select {
	case <-alive:
	case <-done:
		// The exec ran and exited immediately; the exit event already fired.
	case <-time.After(b.cfg.AttachTimeout):
		_ = ptmx.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return &models.ProvisioningError{
			Resource: "container attach",
			Err:      fmt.Errorf("no output within %s", b.cfg.AttachTimeout),
		}
	}
	return nil
}

// Replay returns the most recent raw output of a container session for
// late-attaching clients.
func (b *ContainerBackend) Replay(agentID string) []byte {
	b.mu.Lock()
	ring := b.rings[agentID]
	b.mu.Unlock()
	if ring == nil {
		return nil
	}
	return ring.Bytes()
}

func (b *ContainerBackend) Input(agentID string, data []byte) error {
	b.mu.Lock()
	cs, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok || cs.ptmx == nil {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	_, err := cs.ptmx.Write(data)
	return err
}

func (b *ContainerBackend) Resize(agentID string, cols, rows uint16) error {
	b.mu.Lock()
	cs, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok || cs.ptmx == nil {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	return pty.Setsize(cs.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill detaches the session. The container itself stays up for reuse by the
// next session of the same (user, team) pair.
func (b *ContainerBackend) Kill(agentID string) bool {
	b.mu.Lock()
	cs, ok := b.sessions[agentID]
	if ok {
		delete(b.sessions, agentID)
		delete(b.rings, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	wasLive := !cs.session.GetStatus().Terminal()
	cs.session.SetStatus(models.StatusStopped)
	if cs.ptmx != nil {
		_ = cs.ptmx.Close()
	}
	if cs.cmd != nil && cs.cmd.Process != nil {
		_ = cs.cmd.Process.Kill()
	}
	return wasLive
}

func (b *ContainerBackend) Get(agentID string) (*models.Session, bool) {
	b.mu.Lock()
	cs, ok := b.sessions[agentID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return cs.session.Clone(), true
}

func (b *ContainerBackend) List() []*models.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Session, 0, len(b.sessions))
	for _, cs := range b.sessions {
		out = append(out, cs.session.Clone())
	}
	return out
}

func (b *ContainerBackend) Cleanup() int {
	b.mu.Lock()
	var stale []string
	for id, cs := range b.sessions {
		status := cs.session.GetStatus()
		if status == models.StatusError || time.Since(cs.session.CreatedAt) > b.cfg.ProcessStaleAfter {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		logger.Infof("reaping stale container session %s", id)
		b.Kill(id)
	}
	return len(stale)
}

func (b *ContainerBackend) Shutdown() {
	for _, s := range b.List() {
		b.Kill(s.AgentID)
	}
	if err := b.exec.Close(); err != nil {
		logger.Warnf("failed to close container transport: %v", err)
	}
}

func (b *ContainerBackend) run(ctx context.Context, argv ...string) (*transport.Result, error) {
	return b.exec.Execute(ctx, argv, b.cfg.Remote.CommandTimeout)
}

func exitCodeOf(res *transport.Result) int {
	if res == nil {
		return -1
	}
	return res.ExitCode
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
