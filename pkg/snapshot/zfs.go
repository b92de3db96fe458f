package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ErrClosed is returned when a session is used after it was closed.
var ErrClosed = errors.New("snapshot: store session is closed")

// Runner executes a shell command on the storage host and returns its standard output.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// Dialer opens a Runner session.
type Dialer func(ctx context.Context) (Runner, error)

// Config groups storage host configuration values.
type Config struct {
	Address        string
	User           string
	PrivateKeyPath string
	KnownHostsPath string
	DatasetRoot    string
	ZFSPath        string
	DialTimeout    time.Duration
	Logger         zerolog.Logger
}

// ZFSStore opens sessions that take and list ZFS snapshots of student datasets over SSH. The store
// itself holds no connection; each Open dials its own.
type ZFSStore struct {
	cfg    Config
	dial   Dialer
	logger zerolog.Logger
}

// NewZFSStore constructs a store that dials the configured host over SSH.
func NewZFSStore(cfg Config) *ZFSStore {
	return NewZFSStoreWithDialer(cfg, SSHDialer(cfg))
}

// NewZFSStoreWithDialer constructs a store over a custom session dialer.
func NewZFSStoreWithDialer(cfg Config, dial Dialer) *ZFSStore {
	if cfg.ZFSPath == "" {
		cfg.ZFSPath = "zfs"
	}
	return &ZFSStore{
		cfg:    cfg,
		dial:   dial,
		logger: cfg.Logger.With().Str("component", "zfs_snapshot_store").Logger(),
	}
}

// Open dials a new session. The caller owns it and must close it.
func (s *ZFSStore) Open(ctx context.Context) (*Session, error) {
	runner, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store session: %w", err)
	}
	return &Session{cfg: s.cfg, logger: s.logger, runner: runner}, nil
}

// Session is one connection to the storage host. It is safe for concurrent use until closed.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	runner Runner
}

// Close releases the connection. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil {
		return nil
	}
	err := s.runner.Close()
	s.runner = nil
	return err
}

// ListSnapshots returns the distinct snapshot names found under the dataset root.
func (s *Session) ListSnapshots(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, fmt.Sprintf("%s list -H -o name -t snapshot -r %s", s.cfg.ZFSPath, quote(s.cfg.DatasetRoot)))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	seen := map[string]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		at := strings.LastIndex(line, "@")
		if at < 0 || at == len(line)-1 {
			continue
		}
		seen[line[at+1:]] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// TakeSnapshot requests the snapshot. Course-wide snapshots recurse over every student dataset,
// per-student snapshots only cover the student's dataset.
func (s *Session) TakeSnapshot(ctx context.Context, spec models.SnapshotSpec) error {
	dataset := s.cfg.DatasetRoot
	flags := "-r "
	if !spec.IsCourseWide() {
		dataset = path.Join(s.cfg.DatasetRoot, spec.StudentID)
		flags = ""
	}

	command := fmt.Sprintf("%s snapshot %s%s", s.cfg.ZFSPath, flags, quote(dataset+"@"+spec.Name))
	if _, err := s.run(ctx, command); err != nil {
		return fmt.Errorf("take snapshot %s: %w", spec.Name, err)
	}
	s.logger.Info().Str("snapshot", spec.Name).Str("dataset", dataset).Msg("snapshot requested")
	return nil
}

func (s *Session) run(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	runner := s.runner
	s.mu.Unlock()
	if runner == nil {
		return "", ErrClosed
	}
	return runner.Run(ctx, command)
}

func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// SSHDialer dials the storage host with public key authentication, verifying the host against the
// configured known_hosts file.
func SSHDialer(cfg Config) Dialer {
	return func(ctx context.Context) (Runner, error) {
		key, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		hostKeyCallback, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}

		timeout := cfg.DialTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining < timeout {
				timeout = remaining
			}
		}

		client, err := ssh.Dial("tcp", cfg.Address, &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
		}
		return &sshRunner{client: client}, nil
	}
}

type sshRunner struct {
	client *ssh.Client
}

func (r *sshRunner) Run(ctx context.Context, command string) (string, error) {
	session, err := r.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new ssh session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("%s: %w: %s", command, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}

func (r *sshRunner) Close() error {
	return r.client.Close()
}
