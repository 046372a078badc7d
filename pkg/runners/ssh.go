package runners

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// SSHRunner executes actions on inventory hosts. Connections are cached per
// host and re-established when a health probe fails.
type SSHRunner struct {
	cfg       Config
	inventory *Inventory
	logger    zerolog.Logger

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSHRunner creates an SSH runner over inventory.
func NewSSHRunner(cfg Config, inventory *Inventory, logger zerolog.Logger) *SSHRunner {
	return &SSHRunner{
		cfg:       cfg.withDefaults(),
		inventory: inventory,
		logger:    logger.With().Str("component", "ssh-runner").Logger(),
		clients:   make(map[string]*ssh.Client),
	}
}

// Run executes ref on ref.Host. Script actions are uploaded over SFTP first.
// On cancellation the remote session receives SIGTERM and Run waits for it
// to exit.
func (r *SSHRunner) Run(ctx context.Context, ref engine.ActionRef, timeout time.Duration) (*engine.ActionOutput, error) {
	if ref.IsZero() {
		return nil, &engine.ActionError{Action: ref.String(), ExitCode: -1, Err: engine.NewPermanentError("command is required", nil)}
	}

	runCtx, cancel := boundedContext(ctx, timeout)
	defer cancel()

	host, err := r.inventory.Lookup(ref.Host)
	if err != nil {
		return nil, &engine.ActionError{Action: ref.String(), ExitCode: -1, Err: engine.NewPermanentError("host lookup failed", err).WithResource(ref.Host)}
	}

	client, err := r.client(runCtx, host)
	if err != nil {
		return nil, stopError(runCtx, ref, timeout, nil, err)
	}

	command := ref.Command
	if command == "" {
		remote, cleanup, err := r.uploadScript(runCtx, client, ref.Script)
		if err != nil {
			return nil, stopError(runCtx, ref, timeout, nil, err)
		}
		defer cleanup()
		command = r.scriptCommand(remote, ref.Args)
	}
	command = r.withEnv(command, ref)

	return r.exec(runCtx, client, host, ref, timeout, command)
}

func (r *SSHRunner) exec(ctx context.Context, client *ssh.Client, host *Host, ref engine.ActionRef, timeout time.Duration, command string) (*engine.ActionOutput, error) {
	session, err := client.NewSession()
	if err != nil {
		r.drop(host.Name, client)
		return nil, stopError(ctx, ref, timeout, nil, fmt.Errorf("failed to create session: %w", err))
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	r.logger.Debug().
		Str("host", host.Name).
		Str("command", command).
		Dur("timeout", timeout).
		Msg("Executing remote action")

	start := time.Now()
	if err := session.Start(command); err != nil {
		return nil, stopError(ctx, ref, timeout, nil, fmt.Errorf("failed to start command: %w", err))
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var execErr error
	select {
	case execErr = <-done:
	case <-ctx.Done():
		r.logger.Warn().Str("host", host.Name).Str("action", ref.String()).Msg("Sending SIGTERM to remote action")
		if err := session.Signal(ssh.SIGTERM); err != nil {
			r.logger.Debug().Err(err).Msg("Remote signal failed")
		}
		execErr = <-done
	}

	out := &engine.ActionOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(execErr, &exitErr) {
			out.ExitCode = exitErr.ExitStatus()
		} else {
			out.ExitCode = -1
		}
		return out, stopError(ctx, ref, timeout, out, execErr)
	}
	return out, nil
}

// client returns a live connection to host, dialing through its jump host when set.
func (r *SSHRunner) client(ctx context.Context, host *Host) (*ssh.Client, error) {
	r.mu.Lock()
	cached := r.clients[host.Name]
	r.mu.Unlock()

	if cached != nil {
		if _, _, err := cached.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return cached, nil
		}
		r.logger.Warn().Str("host", host.Name).Msg("Existing connection is dead, reconnecting")
		r.drop(host.Name, cached)
	}

	cfg, err := host.ClientConfig()
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if host.Jump != "" {
		jump, err := r.inventory.Lookup(host.Jump)
		if err != nil {
			return nil, err
		}
		bastion, err := r.client(ctx, jump)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to jump host %s: %w", jump.Name, err)
		}
		conn, err = bastion.DialContext(ctx, "tcp", host.Addr())
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s via %s: %w", host.Addr(), jump.Name, err)
		}
	} else {
		dialer := net.Dialer{Timeout: host.ConnectTimeout}
		conn, err = dialer.DialContext(ctx, "tcp", host.Addr())
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", host.Addr(), err)
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, host.Addr(), cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", host.Name, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(ncc, chans, reqs)

	r.mu.Lock()
	if existing := r.clients[host.Name]; existing != nil {
		r.mu.Unlock()
		_ = client.Close()
		return existing, nil
	}
	r.clients[host.Name] = client
	r.mu.Unlock()

	r.logger.Info().Str("host", host.Name).Str("address", host.Addr()).Msg("SSH connection established")
	return client, nil
}

func (r *SSHRunner) drop(name string, client *ssh.Client) {
	r.mu.Lock()
	if r.clients[name] == client {
		delete(r.clients, name)
	}
	r.mu.Unlock()
	_ = client.Close()
}

// uploadScript copies a local script to the host and returns its remote path
// and a cleanup function.
func (r *SSHRunner) uploadScript(ctx context.Context, client *ssh.Client, localPath string) (string, func(), error) {
	local, err := os.Open(localPath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer local.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sc.Close()

	if err := sc.MkdirAll(r.cfg.RemoteDir); err != nil {
		return "", nil, fmt.Errorf("failed to create remote directory: %w", err)
	}

	remotePath := path.Join(r.cfg.RemoteDir, uuid.New().String()+"-"+path.Base(localPath))
	remote, err := sc.Create(remotePath)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create remote file: %w", err)
	}

	if _, err := copyWithContext(ctx, remote, local); err != nil {
		_ = remote.Close()
		return "", nil, fmt.Errorf("failed to upload script: %w", err)
	}
	if err := remote.Close(); err != nil {
		return "", nil, fmt.Errorf("failed to upload script: %w", err)
	}
	if err := sc.Chmod(remotePath, 0o700); err != nil {
		return "", nil, fmt.Errorf("failed to set script permissions: %w", err)
	}

	r.logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("Script uploaded")

	cleanup := func() {
		c, err := sftp.NewClient(client)
		if err != nil {
			r.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to clean up script")
			return
		}
		defer c.Close()
		if err := c.Remove(remotePath); err != nil {
			r.logger.Warn().Err(err).Str("remote", remotePath).Msg("Failed to clean up script")
		}
	}
	return remotePath, cleanup, nil
}

func (r *SSHRunner) scriptCommand(remotePath string, args []string) string {
	parts := make([]string, 0, len(args)+2)
	if r.cfg.Interpreter != "" {
		parts = append(parts, shellQuote(r.cfg.Interpreter))
	}
	parts = append(parts, shellQuote(remotePath))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

// withEnv prefixes command with variable assignments, since most servers
// refuse session Setenv requests.
func (r *SSHRunner) withEnv(command string, ref engine.ActionRef) string {
	env := r.cfg.environ(nil, ref)
	if len(env) == 0 {
		return command
	}
	parts := make([]string, 0, len(env)+1)
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		parts = append(parts, k+"="+shellQuote(v))
	}
	return "env " + strings.Join(parts, " ") + " " + r.cfg.Shell + " -c " + shellQuote(command)
}

// Close closes every cached connection.
func (r *SSHRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, c := range r.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(r.clients, name)
	}
	return errors.Join(errs...)
}

// copyWithContext copies in chunks so a cancelled upload stops promptly.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
