package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/recovery"
)

// SSHExecutor runs commands on a remote host over an ssh client connection.
type SSHExecutor struct {
	client *ssh.Client
	host   string
}

// DialSSH establishes the ssh connection described by the remote config.
func DialSSH(cfg config.Remote) (*SSHExecutor, error) {
	key, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return &SSHExecutor{client: client, host: cfg.Host}, nil
}

// Execute runs argv on the remote host. The vector is quoted element-wise so
// no argument is ever interpreted by the remote shell.
func (e *SSHExecutor) Execute(ctx context.Context, argv []string, timeout time.Duration) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	session, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh session on %s: %w", e.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(quoteArgv(argv)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, fmt.Errorf("remote command %q timed out on %s: %w", argv[0], e.host, ctx.Err())
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("remote command %q failed on %s: %w", argv[0], e.host, err)
	}
	return res, nil
}

// OpenTunnel binds an ephemeral local port and forwards accepted connections
// to remotePort on the ssh host. Returns the bound local port.
func (e *SSHExecutor) OpenTunnel(remotePort int) (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to bind local tunnel port: %w", err)
	}
	localPort := listener.Addr().(*net.TCPAddr).Port

	recovery.SafeGo(fmt.Sprintf("ssh-tunnel-%d", remotePort), func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			remote, err := e.client.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", remotePort))
			if err != nil {
				logger.Warnf("tunnel dial to remote port %d failed: %v", remotePort, err)
				conn.Close()
				continue
			}
			go pipe(conn, remote)
			go pipe(remote, conn)
		}
	})

	logger.Infof("tunnel open: 127.0.0.1:%d -> %s:%d", localPort, e.host, remotePort)
	return localPort, nil
}

func (e *SSHExecutor) Close() error { return e.client.Close() }

func pipe(dst io.WriteCloser, src io.ReadCloser) {
	defer dst.Close()
	defer src.Close()
	_, _ = io.Copy(dst, src)
}

// quoteArgv single-quotes each element so the remote shell passes it through
// verbatim. Embedded single quotes use the '\'' escape.
func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
