package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/zen-systems/buildmagic/pkg/macro"
	"github.com/zen-systems/buildmagic/pkg/schema"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHPort = 22

var environmentPattern = regexp.MustCompile(`^(?:([\w\-.]+)@)?([\w\-.]+)(?::([0-9]{2,5}))?$`)

// Remote executes macros over SSH. Each call opens its own connection.
type Remote struct {
	base Base

	User string
	Host string
	Port int
}

// NewRemote parses base.Environment as [user@]host[:port]. An invalid
// environment leaves User, Host and Port empty; the failure surfaces when a
// connection is attempted.
func NewRemote(base Base) *Remote {
	r := &Remote{base: base}
	r.User, r.Host, r.Port, _ = ParseEnvironment(base.Environment)
	return r
}

// ParseEnvironment splits [user@]host[:port]. The user defaults to $USER and
// the port to 22.
func ParseEnvironment(env string) (user, host string, port int, ok bool) {
	match := environmentPattern.FindStringSubmatch(env)
	if match == nil {
		return "", "", 0, false
	}
	user = match[1]
	if user == "" {
		user = os.Getenv("USER")
	}
	port = defaultSSHPort
	if match[3] != "" {
		p, err := strconv.Atoi(match[3])
		if err != nil || p > 65535 {
			return "", "", 0, false
		}
		port = p
	}
	return user, match[2], port, true
}

// Name returns the backend name.
func (r *Remote) Name() schema.RunnerType { return schema.RunnerRemote }

// Base returns the shared runner state.
func (r *Remote) Base() *Base { return &r.base }

// Prepare copies artifacts to the remote working directory.
func (r *Remote) Prepare(ctx context.Context) error {
	if r.base.CopyFrom == "" {
		return nil
	}
	if _, err := r.Copy(ctx, r.base.CopyFrom, r.base.WorkingDir); err != nil {
		return fmt.Errorf("copy artifacts: %w", err)
	}
	return nil
}

// Connect dials the remote host.
func (r *Remote) Connect(ctx context.Context) (*ssh.Client, error) {
	if r.Host == "" {
		return nil, fmt.Errorf("%w: invalid remote environment %q", ErrConnection, r.base.Environment)
	}

	auth, err := r.authMethods()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	config := &ssh.ClientConfig{
		User:            r.User,
		Auth:            auth,
		HostKeyCallback: r.hostKeyCallback(),
		Timeout:         r.base.timeout(),
	}

	addr := net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	dialer := net.Dialer{Timeout: r.base.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake with %s: %v", ErrConnection, addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Execute runs the macro as a shell string on the remote host.
func (r *Remote) Execute(ctx context.Context, m *macro.Macro) (Status, error) {
	client, err := r.Connect(ctx)
	if err != nil {
		return Status{}, err
	}
	defer client.Close()

	status, err := r.Run(ctx, client, r.commandLine(m.AsString()))
	if err != nil {
		return Status{}, err
	}
	r.base.Log().Debug().
		Str("host", r.Host).
		Str("command", m.Command()).
		Int("exit_code", status.ExitCode).
		Msg("remote command finished")
	return status, nil
}

// Run executes a command in a new session, waiting at most the configured
// timeout for the exit status.
func (r *Remote) Run(ctx context.Context, client *ssh.Client, command string) (Status, error) {
	session, err := client.NewSession()
	if err != nil {
		return Status{}, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(r.base.timeout())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Status{}, ctx.Err()
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		return Status{}, fmt.Errorf("%w: connection to remote host %s timed out after %s", ErrTimeout, r.Host, r.base.timeout())
	case err := <-done:
		exitCode := 0
		if err != nil {
			var exitErr *ssh.ExitError
			var missing *ssh.ExitMissingError
			switch {
			case errors.As(err, &exitErr):
				exitCode = exitErr.ExitStatus()
			case errors.As(err, &missing):
				exitCode = -1
			default:
				return Status{}, fmt.Errorf("remote command failed: %w", err)
			}
		}
		return Status{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
	}
}

// List returns the files and directories under the remote working
// directory, or under the login directory when none is set.
func (r *Remote) List(ctx context.Context) (files, dirs []string, err error) {
	client, err := r.Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer client.Close()

	root := "$PWD"
	if r.base.WorkingDir != "" {
		root = shellQuote(r.base.WorkingDir)
	}

	fileStatus, err := r.Run(ctx, client, "find "+root+" -type f")
	if err != nil {
		return nil, nil, err
	}
	if fileStatus.ExitCode != 0 {
		return nil, nil, fmt.Errorf("list files: %s", strings.TrimSpace(fileStatus.Stderr))
	}
	dirStatus, err := r.Run(ctx, client, "find "+root+" -type d")
	if err != nil {
		return nil, nil, err
	}
	if dirStatus.ExitCode != 0 {
		return nil, nil, fmt.Errorf("list directories: %s", strings.TrimSpace(dirStatus.Stderr))
	}
	return splitLines(fileStatus.Stdout), splitLines(dirStatus.Stdout), nil
}

// Remove deletes files, then removes directories in order. Directories that
// are not empty are left in place.
func (r *Remote) Remove(ctx context.Context, files, dirs []string) error {
	if len(files) == 0 && len(dirs) == 0 {
		return nil
	}
	client, err := r.Connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(files) > 0 {
		status, err := r.Run(ctx, client, "rm -f -- "+shellEscape(files))
		if err != nil {
			return err
		}
		if status.ExitCode != 0 {
			return fmt.Errorf("remove files: %s", strings.TrimSpace(status.Stderr))
		}
	}
	if len(dirs) > 0 {
		if _, err := r.Run(ctx, client, "rmdir -- "+shellEscape(dirs)+" 2>/dev/null; true"); err != nil {
			return err
		}
	}
	return nil
}

// Copy transfers the artifacts to dst on the remote host over SCP.
func (r *Remote) Copy(ctx context.Context, src, dst string) (bool, error) {
	if len(r.base.Artifacts) == 0 || src == "" || dst == "" {
		return false, nil
	}

	var files []string
	for _, name := range r.base.Artifacts {
		local := filepath.Join(src, name)
		found, err := listLocalFiles(local)
		if err != nil {
			return false, fmt.Errorf("artifact %s: %w", name, err)
		}
		for _, f := range found {
			rel, err := filepath.Rel(src, f)
			if err != nil {
				return false, err
			}
			files = append(files, rel)
		}
	}

	client, err := r.Connect(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	dirs := map[string]struct{}{dst: {}}
	for _, rel := range files {
		dirs[path.Dir(path.Join(dst, filepath.ToSlash(rel)))] = struct{}{}
	}
	var mkdirs []string
	for d := range dirs {
		mkdirs = append(mkdirs, d)
	}
	status, err := r.Run(ctx, client, "mkdir -p -- "+shellEscape(mkdirs))
	if err != nil {
		return false, err
	}
	if status.ExitCode != 0 {
		return false, fmt.Errorf("create remote directories: %s", strings.TrimSpace(status.Stderr))
	}

	scpClient, err := scp.NewClientBySSH(client)
	if err != nil {
		return false, fmt.Errorf("scp client: %w", err)
	}
	for _, rel := range files {
		if err := r.copyFile(ctx, &scpClient, filepath.Join(src, rel), path.Join(dst, filepath.ToSlash(rel))); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *Remote) copyFile(ctx context.Context, client *scp.Client, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	perm := fmt.Sprintf("%04o", info.Mode().Perm())
	if err := client.CopyFile(ctx, f, remote, perm); err != nil {
		return fmt.Errorf("scp %s: %w", local, err)
	}
	r.base.Log().Debug().Str("host", r.Host).Str("file", remote).Msg("copied artifact")
	return nil
}

func (r *Remote) commandLine(command string) string {
	var parts []string
	if r.base.WorkingDir != "" {
		parts = append(parts, "cd "+shellQuote(r.base.WorkingDir)+";")
	}
	for _, kv := range r.base.envList() {
		k, v, _ := strings.Cut(kv, "=")
		parts = append(parts, "export "+k+"="+shellQuote(v)+";")
	}
	parts = append(parts, command)
	return strings.Join(parts, " ")
}

func (r *Remote) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	keyPath := r.base.Param(schema.ParamKeyPath)
	if keyData, err := os.ReadFile(keyPath); err == nil {
		var signer ssh.Signer
		if pass := r.base.Parameters[schema.ParamKeyPassword]; pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey(keyData)
		}
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", keyPath, err)
		}
		if keyType, set := r.base.Parameters[schema.ParamKeyType]; set {
			if err := checkKeyType(signer, keyType); err != nil {
				return nil, fmt.Errorf("key %s: %w", keyPath, err)
			}
		}
		methods = append(methods, ssh.PublicKeys(signer))
	} else if _, set := r.base.Parameters[schema.ParamKeyPath]; set {
		return nil, fmt.Errorf("read key %s: %w", keyPath, err)
	}

	if socket := os.Getenv("SSH_AUTH_SOCK"); socket != "" {
		if conn, err := net.Dial("unix", socket); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials available")
	}
	return methods, nil
}

// keyAlgorithms maps keytype values onto public key algorithm prefixes.
var keyAlgorithms = map[string]string{
	"rsa":     ssh.KeyAlgoRSA,
	"dsa":     "ssh-dss",
	"ecdsa":   "ecdsa-sha2-",
	"ed25519": ssh.KeyAlgoED25519,
}

func checkKeyType(signer ssh.Signer, keyType string) error {
	prefix, ok := keyAlgorithms[keyType]
	if !ok {
		return fmt.Errorf("unknown key type %s", keyType)
	}
	if got := signer.PublicKey().Type(); !strings.HasPrefix(got, prefix) {
		return fmt.Errorf("key type is %s, not %s", got, keyType)
	}
	return nil
}

func (r *Remote) hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		if cb, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); err == nil {
			return cb
		}
	}
	r.base.Log().Warn().Str("host", r.Host).Msg("known_hosts unavailable, host key not verified")
	return ssh.InsecureIgnoreHostKey()
}

func listLocalFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func splitLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func shellEscape(argv []string) string {
	escaped := make([]string, len(argv))
	for i, arg := range argv {
		escaped[i] = shellQuote(arg)
	}
	return strings.Join(escaped, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
