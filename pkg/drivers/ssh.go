package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openherd/openherd/pkg/engine"
)

// SSHType is the profile type the SSH host driver registers under.
const SSHType = "host.ssh"

// hostSpec is the profile body for SSH-managed hosts.
type hostSpec struct {
	// User is the SSH login user.
	User string `json:"user"`

	// Port is the SSH port, default 22.
	Port int `json:"port"`

	// PrivateKeyPath is the key used for authentication.
	PrivateKeyPath string `json:"private_key_path"`

	// Password is used when no key is configured.
	Password string `json:"password,omitempty"`

	// KnownHostsPath enables host key verification; empty skips it.
	KnownHostsPath string `json:"known_hosts_path,omitempty"`

	// ConnectTimeoutSec bounds connection establishment, default 30.
	ConnectTimeoutSec int `json:"connect_timeout_sec,omitempty"`

	// Bootstrap files are pushed over SFTP before the create command
	// runs, keyed by remote path.
	Bootstrap map[string]string `json:"bootstrap,omitempty"`

	// Commands to run per lifecycle step. Check must exit zero on a
	// healthy host.
	Commands struct {
		Create  string `json:"create"`
		Delete  string `json:"delete"`
		Check   string `json:"check"`
		Recover string `json:"recover"`
	} `json:"commands"`
}

// SSHDriver manages plain hosts over SSH. Creating a node runs a
// provisioning command on the host named by the node; the host itself
// must already be reachable. Connection failures are reported as
// retryable so the executor backs off and tries again.
type SSHDriver struct {
	logger zerolog.Logger
}

var _ engine.Driver = (*SSHDriver)(nil)

// NewSSHDriver creates the SSH host driver.
func NewSSHDriver(logger zerolog.Logger) *SSHDriver {
	return &SSHDriver{
		logger: logger.With().Str("component", "ssh-driver").Logger(),
	}
}

func (d *SSHDriver) Execute(ctx context.Context, req *engine.DriverRequest) (*engine.DriverResult, error) {
	var spec hostSpec
	if err := json.Unmarshal(req.Profile.Spec, &spec); err != nil {
		return &engine.DriverResult{
			Status: engine.DriverStatusFailed,
			Error:  fmt.Sprintf("invalid host profile spec: %v", err),
		}, nil
	}

	address, err := hostAddress(req, &spec)
	if err != nil {
		return &engine.DriverResult{
			Status: engine.DriverStatusFailed,
			Error:  err.Error(),
		}, nil
	}

	command, err := lifecycleCommand(req.ActionType, &spec)
	if err != nil {
		return &engine.DriverResult{
			Status: engine.DriverStatusFailed,
			Error:  err.Error(),
		}, nil
	}

	client, err := d.dial(ctx, address, &spec)
	if err != nil {
		// Unreachable hosts are a transient condition.
		return &engine.DriverResult{
			Status: engine.DriverStatusRetryable,
			Error:  fmt.Sprintf("failed to connect to %s: %v", address, err),
		}, nil
	}
	defer client.Close()

	if req.ActionType == engine.ActionNodeCreate && len(spec.Bootstrap) > 0 {
		if err := d.pushBootstrap(client, spec.Bootstrap); err != nil {
			return &engine.DriverResult{
				Status: engine.DriverStatusRetryable,
				Error:  fmt.Sprintf("failed to push bootstrap files: %v", err),
			}, nil
		}
	}

	stdout, stderr, runErr := d.run(ctx, client, command, req)

	outputs := map[string]interface{}{
		"stdout": stdout,
		"stderr": stderr,
	}

	switch req.ActionType {
	case engine.ActionNodeCheck, engine.ActionNodeRecover:
		// The check command's exit status is the health verdict, not a
		// driver failure.
		outputs["healthy"] = runErr == nil
		if runErr != nil {
			if _, isExit := runErr.(*ssh.ExitError); !isExit {
				return &engine.DriverResult{
					Status: engine.DriverStatusRetryable,
					Error:  fmt.Sprintf("failed to run %s command: %v", req.ActionType, runErr),
				}, nil
			}
		}
		return &engine.DriverResult{Status: engine.DriverStatusSucceeded, Outputs: outputs}, nil
	}

	if runErr != nil {
		if _, isExit := runErr.(*ssh.ExitError); isExit {
			return &engine.DriverResult{
				Status:  engine.DriverStatusFailed,
				Outputs: outputs,
				Error:   fmt.Sprintf("%s command failed: %v", req.ActionType, runErr),
			}, nil
		}
		return &engine.DriverResult{
			Status:  engine.DriverStatusRetryable,
			Outputs: outputs,
			Error:   fmt.Sprintf("failed to run %s command: %v", req.ActionType, runErr),
		}, nil
	}

	result := &engine.DriverResult{Status: engine.DriverStatusSucceeded, Outputs: outputs}
	if req.ActionType == engine.ActionNodeCreate {
		result.PhysicalID = "ssh://" + address
		outputs["healthy"] = true
	}
	return result, nil
}

// hostAddress resolves the target host. The action inputs may carry an
// explicit address; otherwise the node name is used.
func hostAddress(req *engine.DriverRequest, spec *hostSpec) (string, error) {
	host := ""
	if v, ok := req.Inputs["address"].(string); ok && v != "" {
		host = v
	} else if req.Node != nil && req.Node.Name != "" {
		host = req.Node.Name
	}
	if host == "" {
		return "", fmt.Errorf("no host address for node action")
	}
	port := spec.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", host, port), nil
}

func lifecycleCommand(actionType engine.ActionType, spec *hostSpec) (string, error) {
	var cmd string
	switch actionType {
	case engine.ActionNodeCreate:
		cmd = spec.Commands.Create
	case engine.ActionNodeDelete:
		cmd = spec.Commands.Delete
	case engine.ActionNodeCheck:
		cmd = spec.Commands.Check
	case engine.ActionNodeRecover:
		cmd = spec.Commands.Recover
	default:
		return "", fmt.Errorf("unsupported action type %s", actionType)
	}
	if cmd == "" {
		return "", fmt.Errorf("profile defines no command for %s", actionType)
	}
	return cmd, nil
}

// dial establishes the SSH connection under the context deadline.
func (d *SSHDriver) dial(ctx context.Context, address string, spec *hostSpec) (*ssh.Client, error) {
	clientConfig, err := buildClientConfig(spec)
	if err != nil {
		return nil, err
	}

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errChan:
		return nil, err
	case client := <-connChan:
		return client, nil
	}
}

func buildClientConfig(spec *hostSpec) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if spec.PrivateKeyPath != "" {
		key, err := os.ReadFile(spec.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if spec.Password != "" {
		auth = append(auth, ssh.Password(spec.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("profile configures no authentication method")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // verification opt-in via known_hosts_path
	if spec.KnownHostsPath != "" {
		cb, err := knownhosts.New(spec.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := 30 * time.Second
	if spec.ConnectTimeoutSec > 0 {
		timeout = time.Duration(spec.ConnectTimeoutSec) * time.Second
	}

	return &ssh.ClientConfig{
		User:            spec.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// run executes one command in a fresh session, honoring ctx.
func (d *SSHDriver) run(ctx context.Context, client *ssh.Client, command string, req *engine.DriverRequest) (string, string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	// Expose the action identity so commands can be idempotent too.
	full := fmt.Sprintf("HERD_ACTION=%s HERD_NODE=%s HERD_KEY=%s %s",
		req.ActionType, req.Node.ID, req.IdempotencyKey, command)

	d.logger.Debug().Str("node", req.Node.ID).Str("action", string(req.ActionType)).Msg("Running host command")

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(full)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdoutBuf.String(), stderrBuf.String(), ctx.Err()
	case err := <-doneChan:
		return stdoutBuf.String(), stderrBuf.String(), err
	}
}

// pushBootstrap uploads the profile's bootstrap files over SFTP.
func (d *SSHDriver) pushBootstrap(client *ssh.Client, files map[string]string) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to create sftp client: %w", err)
	}
	defer sftpClient.Close()

	for remotePath, content := range files {
		if err := sftpClient.MkdirAll(filepath.Dir(remotePath)); err != nil {
			return fmt.Errorf("failed to create remote directory for %s: %w", remotePath, err)
		}
		f, err := sftpClient.Create(remotePath)
		if err != nil {
			return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close remote file %s: %w", remotePath, err)
		}
	}

	return nil
}
