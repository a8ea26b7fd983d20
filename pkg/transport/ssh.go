package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	sshagent "golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"deckhand/pkg/api"
	"deckhand/pkg/model"
)

// SSHConfig holds connection defaults; per-node fields override them.
type SSHConfig struct {
	User                  string
	KeyPath               string
	Port                  int
	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	AgentCommand          string // remote command prefix, e.g. "sudo deckhand-agent"
}

// SSH is a Transport that runs the agent binary over an SSH session. One
// client connection per node is kept for the life of the transport; every
// command gets its own SSH session.
type SSH struct {
	cfg     SSHConfig
	hostKey ssh.HostKeyCallback
	log     *logrus.Entry

	mu      sync.Mutex
	clients map[string]*ssh.Client
}

// NewSSH validates cfg and prepares host key verification.
func NewSSH(cfg SSHConfig, log *logrus.Entry) (*SSH, error) {
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "sudo deckhand-agent"
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsPath, err)
		}
		hostKey = cb
	}
	return &SSH{
		cfg:     cfg,
		hostKey: hostKey,
		log:     log.WithField("component", "ssh"),
		clients: make(map[string]*ssh.Client),
	}, nil
}

func (t *SSH) Open(ctx context.Context, node model.Node) (Session, error) {
	client, err := t.client(ctx, node)
	if err != nil {
		return nil, Wrap(node.Name, "connect", err)
	}
	return &sshSession{client: client, node: node.Name, command: t.cfg.AgentCommand}, nil
}

func (t *SSH) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, c := range t.clients {
		_ = c.Close()
		delete(t.clients, name)
	}
	return nil
}

func (t *SSH) client(ctx context.Context, node model.Node) (*ssh.Client, error) {
	t.mu.Lock()
	if c, ok := t.clients[node.Name]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	user := firstNonEmpty(node.User, t.cfg.User, "root")
	keyPath := firstNonEmpty(node.KeyRef, t.cfg.KeyPath)
	port := node.Port
	if port == 0 {
		port = t.cfg.Port
	}
	auth, err := authMethods(keyPath)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(node.Address, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: t.hostKey,
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Timeout = time.Until(deadline)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(c, chans, reqs)
	t.log.WithFields(logrus.Fields{"node": node.Name, "addr": addr, "user": user}).Debug("ssh connected")

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[node.Name]; ok {
		_ = client.Close()
		return existing, nil
	}
	t.clients[node.Name] = client
	return client, nil
}

func authMethods(keyPath string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(sshagent.NewClient(conn).Signers))
		}
	}
	if keyPath != "" {
		pem, err := os.ReadFile(expandHome(keyPath))
		if err != nil {
			if len(methods) > 0 && os.IsNotExist(err) {
				return methods, nil
			}
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", keyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh credentials: set a key or run an ssh agent")
	}
	return methods, nil
}

type sshSession struct {
	client  *ssh.Client
	node    string
	command string
}

func (s *sshSession) Do(ctx context.Context, env api.Envelope) (api.Reply, error) {
	var stdin bytes.Buffer
	if err := api.WriteEnvelope(&stdin, env); err != nil {
		return api.Reply{}, err
	}
	stdout, stderr, err := s.run(ctx, s.command+" exec", &stdin)
	if reply, rerr := api.ReadReply(bytes.NewReader(stdout)); rerr == nil {
		return reply, nil
	}
	if err != nil {
		return api.Reply{}, fmt.Errorf("%w: %s", err, tail(stderr))
	}
	return api.Reply{}, fmt.Errorf("agent wrote no reply: %s", tail(stderr))
}

func (s *sshSession) Provision(ctx context.Context, script string) ([]byte, error) {
	stdout, stderr, err := s.run(ctx, script, nil)
	if err != nil {
		return stdout, fmt.Errorf("provision: %w: %s", err, tail(stderr))
	}
	return stdout, nil
}

func (s *sshSession) run(ctx context.Context, command string, stdin *bytes.Buffer) ([]byte, []byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, nil, err
	}
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	if stdin != nil {
		sess.Stdin = stdin
	}
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()
	select {
	case err := <-done:
		return stdout.Bytes(), stderr.Bytes(), err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return nil, nil, ctx.Err()
	}
}

func (s *sshSession) Close() error { return nil }

func tail(b []byte) string {
	out := strings.TrimSpace(string(b))
	if len(out) > 512 {
		out = "..." + out[len(out)-512:]
	}
	if out == "" {
		return "no output"
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
