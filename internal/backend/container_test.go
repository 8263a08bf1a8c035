package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/store"
	"github.com/colabvibe/colabvibe/internal/transport"
)

// fakeExecutor scripts the container runtime: every invocation is recorded
// and answered by the handle func.
type fakeExecutor struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(argv []string) (*transport.Result, error)
}

func (f *fakeExecutor) Execute(_ context.Context, argv []string, _ time.Duration) (*transport.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.mu.Unlock()
	return f.handle(argv)
}

func (f *fakeExecutor) OpenTunnel(remotePort int) (int, error) { return remotePort, nil }
func (f *fakeExecutor) Close() error                           { return nil }

// countVerb counts recorded runtime invocations whose subcommand is verb
// (e.g. "run", "inspect").
func (f *fakeExecutor) countVerb(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, argv := range f.calls {
		if len(argv) > 1 && argv[1] == verb {
			n++
		}
	}
	return n
}

func okResult(stdout string) (*transport.Result, error) {
	return &transport.Result{Stdout: stdout, ExitCode: 0}, nil
}

func failResult(stderr string) (*transport.Result, error) {
	return &transport.Result{Stderr: stderr, ExitCode: 1}, nil
}

// healthyRuntime answers like a runtime hosting one live, ready container.
func healthyRuntime(containerID string) func(argv []string) (*transport.Result, error) {
	return func(argv []string) (*transport.Result, error) {
		switch {
		case argv[0] == "mkdir":
			return okResult("")
		case argv[1] == "rm":
			return okResult("")
		case argv[1] == "run":
			return okResult(containerID + "\n")
		case argv[1] == "inspect":
			return okResult("true\n")
		case argv[1] == "exec":
			return okResult("")
		}
		return failResult("unexpected: " + strings.Join(argv, " "))
	}
}

func testContainerBackend(t *testing.T, exec transport.Executor) (*ContainerBackend, *store.MemoryStore) {
	t.Helper()
	cfg := config.Default()
	cfg.WorkspaceRoot = t.TempDir()
	cfg.Readiness = config.Readiness{Interval: time.Millisecond, MaxAttempts: 3, Timeout: time.Second}
	st := store.NewMemoryStore()
	b := NewLocalContainerBackend(cfg, st)
	b.exec = exec
	t.Cleanup(b.Shutdown)
	return b, st
}

func TestContainerBackend_ReusesContainerForSamePair(t *testing.T) {
	fake := &fakeExecutor{handle: healthyRuntime("deadbeefcafe0123")}
	b, st := testContainerBackend(t, fake)

	first, err := b.getOrCreateUserContainer(context.Background(), "u1", "t1")
	require.NoError(t, err)
	second, err := b.getOrCreateUserContainer(context.Background(), "u1", "t1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.countVerb("run"), "second lookup must reuse, not provision")

	linkage, err := st.GetSessionLinkage("container:u1/t1")
	require.NoError(t, err)
	require.NotNil(t, linkage)
	assert.Equal(t, first, linkage.Name)
	assert.True(t, linkage.Persistent)
}

func TestContainerBackend_ConcurrentSpawnsShareOneContainer(t *testing.T) {
	healthy := healthyRuntime("deadbeefcafe0123")
	fake := &fakeExecutor{}
	fake.handle = func(argv []string) (*transport.Result, error) {
		// Widen the window between lookup and creation so unserialized
		// callers would each see no container and provision their own.
		if len(argv) > 1 && argv[1] == "run" {
			time.Sleep(20 * time.Millisecond)
		}
		return healthy(argv)
	}
	b, _ := testContainerBackend(t, fake)

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := b.getOrCreateUserContainer(context.Background(), "u1", "t1")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, fake.countVerb("run"), "exactly one provisioning for the pair")
}

func TestContainerBackend_RecoversPersistedContainer(t *testing.T) {
	fake := &fakeExecutor{handle: healthyRuntime("unused")}
	b, st := testContainerBackend(t, fake)
	require.NoError(t, st.UpsertSessionLinkage("container:u1/t1", store.Linkage{
		Name:       "cafed00d4242",
		Persistent: true,
		Status:     "running",
	}))

	id, err := b.getOrCreateUserContainer(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "cafed00d4242", id)
	assert.Zero(t, fake.countVerb("run"), "live persisted container is adopted as-is")
}

func TestContainerBackend_ReprovisionsDeadPersistedContainer(t *testing.T) {
	healthy := healthyRuntime("deadbeefcafe0123")
	fake := &fakeExecutor{}
	fake.handle = func(argv []string) (*transport.Result, error) {
		if len(argv) > 1 && argv[1] == "inspect" && argv[len(argv)-1] == "cafed00d4242" {
			return okResult("false\n")
		}
		return healthy(argv)
	}
	b, st := testContainerBackend(t, fake)
	require.NoError(t, st.UpsertSessionLinkage("container:u1/t1", store.Linkage{
		Name: "cafed00d4242",
	}))

	id, err := b.getOrCreateUserContainer(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "deadbeefcafe0123", id)
	assert.Equal(t, 1, fake.countVerb("run"))
}

func TestContainerBackend_AwaitReadyRetriesUntilUserExists(t *testing.T) {
	var probes int
	fake := &fakeExecutor{}
	fake.handle = func(argv []string) (*transport.Result, error) {
		if len(argv) > 1 && argv[1] == "exec" {
			probes++
			if probes < 3 {
				return failResult("no such user")
			}
		}
		return healthyRuntime("deadbeefcafe0123")(argv)
	}
	b, _ := testContainerBackend(t, fake)

	require.NoError(t, b.awaitReady(context.Background(), "deadbeefcafe0123"))
	assert.Equal(t, 3, probes)
}

func TestContainerBackend_AwaitReadyExhaustsAttempts(t *testing.T) {
	healthy := healthyRuntime("deadbeefcafe0123")
	fake := &fakeExecutor{}
	fake.handle = func(argv []string) (*transport.Result, error) {
		if len(argv) > 1 && argv[1] == "exec" {
			return failResult("still booting")
		}
		return healthy(argv)
	}
	b, _ := testContainerBackend(t, fake)

	err := b.awaitReady(context.Background(), "deadbeefcafe0123")
	require.Error(t, err)

	var timeoutErr *models.ReadinessTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 3, timeoutErr.Attempts)
	assert.Contains(t, timeoutErr.Resource, "deadbeefcafe")
}

func TestContainerBackend_ProvisionFailureMarksSessionError(t *testing.T) {
	fake := &fakeExecutor{}
	fake.handle = func(argv []string) (*transport.Result, error) {
		switch {
		case argv[0] == "mkdir", argv[1] == "rm":
			return okResult("")
		case argv[1] == "run":
			return failResult("no space left on device")
		}
		return okResult("")
	}
	b, _ := testContainerBackend(t, fake)

	sess, err := b.Spawn(context.Background(), SpawnRequest{AgentID: "a1", TeamID: "t1", UserID: "u1"})
	require.Error(t, err)

	var provErr *models.ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Contains(t, provErr.Error(), "no space left on device")

	require.NotNil(t, sess)
	assert.Equal(t, models.StatusError, sess.Status)
	got, found := b.Get("a1")
	require.True(t, found)
	assert.Equal(t, models.StatusError, got.Status)
	assert.NotEmpty(t, got.Message)
}

func TestContainerBackend_ProvisionRunArgv(t *testing.T) {
	fake := &fakeExecutor{handle: healthyRuntime("deadbeefcafe0123")}
	b, _ := testContainerBackend(t, fake)

	_, err := b.provisionContainer(context.Background(), "u1", "t1")
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	var run []string
	for _, argv := range fake.calls {
		if len(argv) > 1 && argv[1] == "run" {
			run = argv
		}
	}
	require.NotNil(t, run)
	joined := strings.Join(run, " ")
	assert.Contains(t, joined, "--name colabvibe-u1-t1")
	assert.Contains(t, joined, "-w /workspace")
	assert.Contains(t, joined, "--label colabvibe.user=u1")
	assert.Contains(t, joined, fmt.Sprintf("-v %s:/workspace", b.cfg.TeamWorkspace("t1")))
	assert.Equal(t, "infinity", run[len(run)-1])
}
