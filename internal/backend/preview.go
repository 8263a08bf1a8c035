package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/ports"
	"github.com/colabvibe/colabvibe/internal/transport"
)

// ProjectType classifies a team workspace for preview purposes.
type ProjectType string

const (
	ProjectNode   ProjectType = "node"
	ProjectPython ProjectType = "python"
	ProjectGo     ProjectType = "go"
	ProjectStatic ProjectType = "static"
)

// previewProfile maps a project type to the runtime image, start command and
// in-container port of its preview workload.
type previewProfile struct {
	Image string
	Argv  []string
	Port  int
}

var previewProfiles = map[ProjectType]previewProfile{
	ProjectNode:   {Image: "node:20-alpine", Argv: []string{"sh", "-c", "npm install && npm run dev -- --host 0.0.0.0"}, Port: 3000},
	ProjectPython: {Image: "python:3.12-slim", Argv: []string{"sh", "-c", "pip install -r requirements.txt && python main.py"}, Port: 8000},
	ProjectGo:     {Image: "golang:1.24-alpine", Argv: []string{"go", "run", "."}, Port: 8080},
	ProjectStatic: {Image: "nginx:alpine", Argv: nil, Port: 80},
}

// DetectProjectType inspects a workspace's manifest files to classify it.
func DetectProjectType(dir string) ProjectType {
	for _, probe := range []struct {
		file string
		kind ProjectType
	}{
		{"package.json", ProjectNode},
		{"requirements.txt", ProjectPython},
		{"pyproject.toml", ProjectPython},
		{"go.mod", ProjectGo},
	} {
		if _, err := os.Stat(filepath.Join(dir, probe.file)); err == nil {
			return probe.kind
		}
	}
	return ProjectStatic
}

// Preview describes one running preview workload.
type Preview struct {
	TeamID      string      `json:"team_id"`
	ContainerID string      `json:"container_id"`
	Type        ProjectType `json:"type"`
	HostPort    int         `json:"host_port"`  // allocated on the runtime host
	LocalPort   int         `json:"local_port"` // locally reachable (tunneled when remote)
}

// PreviewService runs one stateless preview container per team. Unlike agent
// containers these are disposable: stop destroys them.
type PreviewService struct {
	cfg       *config.Config
	exec      transport.Executor
	allocator *ports.Allocator

	mu       sync.Mutex
	previews map[string]*Preview
}

func NewPreviewService(cfg *config.Config, exec transport.Executor, allocator *ports.Allocator) *PreviewService {
	return &PreviewService{
		cfg:       cfg,
		exec:      exec,
		allocator: allocator,
		previews:  make(map[string]*Preview),
	}
}

// Start brings up (or returns) the preview container for a team's workspace.
func (p *PreviewService) Start(ctx context.Context, teamID string) (*Preview, error) {
	p.mu.Lock()
	if existing, ok := p.previews[teamID]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.mu.Unlock()

	workDir := p.cfg.TeamWorkspace(teamID)
	kind := DetectProjectType(workDir)
	profile := previewProfiles[kind]

	hostPort, err := p.allocator.Allocate()
	if err != nil {
		return nil, fmt.Errorf("preview for team %s: %w", teamID, err)
	}

	name := "colabvibe-preview-" + teamID
	argv := []string{
		p.cfg.Containers.Runtime, "run", "-d", "--rm",
		"--name", name,
		"-p", fmt.Sprintf("%d:%d", hostPort, profile.Port),
		"-v", workDir + ":/app",
		"-w", "/app",
		"--label", "colabvibe.team=" + teamID,
		"--label", "colabvibe.preview=true",
		profile.Image,
	}
	argv = append(argv, profile.Argv...)

	_, _ = p.exec.Execute(ctx, []string{p.cfg.Containers.Runtime, "rm", "-f", name}, p.cfg.Remote.CommandTimeout)

	res, err := p.exec.Execute(ctx, argv, p.cfg.Remote.CommandTimeout)
	if err != nil {
		p.allocator.Release(hostPort)
		return nil, &models.ProvisioningError{Resource: "preview " + name, Err: err}
	}
	if res.ExitCode != 0 {
		p.allocator.Release(hostPort)
		return nil, &models.ProvisioningError{
			Resource: "preview " + name,
			Err:      fmt.Errorf("runtime exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)),
		}
	}

	// Over a remote transport the published port lives on the remote host;
	// tunnel it back so the returned port is always locally reachable.
	localPort, err := p.exec.OpenTunnel(hostPort)
	if err != nil {
		logger.Warnf("preview tunnel for team %s failed, exposing remote port directly: %v", teamID, err)
		localPort = hostPort
	}

	preview := &Preview{
		TeamID:      teamID,
		ContainerID: strings.TrimSpace(res.Stdout),
		Type:        kind,
		HostPort:    hostPort,
		LocalPort:   localPort,
	}
	p.mu.Lock()
	p.previews[teamID] = preview
	p.mu.Unlock()

	logger.Infof("preview %s up for team %s (%s, port %d)", shortID(preview.ContainerID), teamID, kind, localPort)
	return preview, nil
}

// Stop destroys a team's preview container and releases its port.
func (p *PreviewService) Stop(ctx context.Context, teamID string) bool {
	p.mu.Lock()
	preview, ok := p.previews[teamID]
	if ok {
		delete(p.previews, teamID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	name := "colabvibe-preview-" + teamID
	if res, err := p.exec.Execute(ctx, []string{p.cfg.Containers.Runtime, "rm", "-f", name}, p.cfg.Remote.CommandTimeout); err != nil || res.ExitCode != 0 {
		logger.Warnf("failed to remove preview %s: %v", name, err)
	}
	p.allocator.Release(preview.HostPort)
	return true
}

// List returns the running previews.
func (p *PreviewService) List() []*Preview {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Preview, 0, len(p.previews))
	for _, preview := range p.previews {
		out = append(out, preview)
	}
	return out
}

// Shutdown stops every preview.
func (p *PreviewService) Shutdown(ctx context.Context) {
	p.mu.Lock()
	teams := make([]string, 0, len(p.previews))
	for teamID := range p.previews {
		teams = append(teams, teamID)
	}
	p.mu.Unlock()
	for _, teamID := range teams {
		p.Stop(ctx, teamID)
	}
}
