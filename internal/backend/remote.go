package backend

import (
	"fmt"
	"sync"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/store"
	"github.com/colabvibe/colabvibe/internal/transport"
)

// NewRemoteContainerBackend builds a container backend whose runtime
// commands travel over ssh to the configured remote host. The interactive
// attach runs a local ssh client with a forced TTY, so PTY handling stays
// identical to the local variant.
//
// When the transport cannot be established and local fallback is enabled,
// the backend keeps the remote kind but runs everything in-process.
func NewRemoteContainerBackend(cfg *config.Config, st store.Store) (*ContainerBackend, error) {
	kind := models.BackendKind{Location: models.LocationRemote, Isolation: models.IsolationContainer}

	exec, err := transport.DialSSH(cfg.Remote)
	if err != nil {
		if !cfg.Remote.LocalFallback {
			return nil, &models.ProvisioningError{Resource: "ssh transport", Err: err}
		}
		logger.Warnf("ssh transport to %s unavailable, falling back to local runtime: %v", cfg.Remote.Host, err)
		b := NewLocalContainerBackend(cfg, st)
		b.kind = kind
		return b, nil
	}

	runtime := cfg.Containers.Runtime
	sshTarget := fmt.Sprintf("%s@%s", cfg.Remote.User, cfg.Remote.Host)
	sshPort := fmt.Sprintf("%d", cfg.Remote.Port)
	keyPath := cfg.Remote.KeyPath

	return &ContainerBackend{
		emitter: newEmitter(),
		cfg:     cfg,
		store:   st,
		kind:    kind,
		exec:    exec,
		attachArgv: func(containerID string) []string {
			return []string{
				"ssh", "-tt",
				"-p", sshPort,
				"-i", keyPath,
				"-o", "StrictHostKeyChecking=no",
				sshTarget,
				runtime, "exec", "-it", containerID, "/bin/bash",
			}
		},
		sessions:     make(map[string]*containerSession),
		containers:   make(map[string]string),
		rings:        make(map[string]*outputRing),
		provisioning: make(map[string]*sync.Mutex),
	}, nil
}
