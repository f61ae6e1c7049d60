// Package transport provides the SSH/SFTP implementation of the engine's
// remote session capability. The rest of the engine depends only on the
// core interfaces; this package is what production wiring plugs in.
package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// Default connection parameters
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultKeepalive      = 30 * time.Second
)

// Factory establishes SFTP sessions over SSH. It implements
// core.SessionFactory.
type Factory struct {
	ConnectTimeout  time.Duration
	Keepalive       time.Duration
	HostKeyCallback ssh.HostKeyCallback
	logger          *zap.Logger
}

// NewFactory creates a session factory with default timeouts
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		ConnectTimeout: DefaultConnectTimeout,
		Keepalive:      DefaultKeepalive,
		// TODO: replace with known_hosts host key verification
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		logger:          logger,
	}
}

// Connect dials the host, authenticates, and opens an SFTP subsystem
// channel on top of the SSH connection.
func (f *Factory) Connect(ctx context.Context, host core.Host, auth core.AuthDescriptor) (core.RemoteSession, error) {
	methods, err := AuthMethods(auth)
	if err != nil {
		return nil, fmt.Errorf("build auth methods: %w", err)
	}

	port := host.Port
	if port == 0 {
		port = 22
	}
	address := fmt.Sprintf("%s:%d", host.Address, port)
	config := &ssh.ClientConfig{
		User:            host.User,
		Auth:            methods,
		HostKeyCallback: f.HostKeyCallback,
		Timeout:         f.ConnectTimeout,
	}

	// ssh.Dial has no context support; run it aside and race the context.
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, config)
		done <- dialResult{client, err}
	}()

	var client *ssh.Client
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", address, r.err)
		}
		client = r.client
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, fmt.Errorf("connect to %s: %w", address, ctx.Err())
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp channel to %s: %w", address, err)
	}

	s := &session{
		ssh:     client,
		sftp:    sftpClient,
		address: address,
		logger:  f.logger,
	}
	if f.Keepalive > 0 {
		s.startKeepalive(f.Keepalive)
	}
	f.logger.Debug("session connected", zap.String("address", address), zap.String("user", host.User))
	return s, nil
}

// session is one SSH connection with an SFTP channel. It implements
// core.RemoteSession.
type session struct {
	ssh     *ssh.Client
	sftp    *sftp.Client
	address string
	logger  *zap.Logger

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
}

func (s *session) Stat(ctx context.Context, path string) (*core.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := s.sftp.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return toFileInfo(info), nil
}

func (s *session) List(ctx context.Context, path string) ([]*core.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := s.sftp.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]*core.FileInfo, 0, len(entries))
	for _, info := range entries {
		out = append(out, toFileInfo(info))
	}
	return out, nil
}

func (s *session) Open(ctx context.Context, path string) (core.RemoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.sftp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func (s *session) Create(ctx context.Context, path string) (core.RemoteFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// O_TRUNC is deliberately absent so a resumed upload can continue
	// into an existing partial file.
	f, err := s.sftp.OpenFile(path, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	return f, nil
}

func (s *session) Truncate(ctx context.Context, path string, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.Truncate(path, size); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	return nil
}

func (s *session) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.Remove(path); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (s *session) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

func (s *session) Mkdir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.MkdirAll(path); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (s *session) Chmod(ctx context.Context, path string, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.Chmod(path, os.FileMode(mode)); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func (s *session) Chtimes(ctx context.Context, path string, atime, mtime int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.sftp.Chtimes(path, time.Unix(atime, 0), time.Unix(mtime, 0)); err != nil {
		return fmt.Errorf("chtimes %s: %w", path, err)
	}
	return nil
}

// Close tears down the SFTP channel and the SSH connection
func (s *session) Close() error {
	s.stopKeepalive()
	sftpErr := s.sftp.Close()
	sshErr := s.ssh.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}

// startKeepalive sends periodic keepalive requests so NAT gateways and
// firewalls don't drop idle pooled connections.
func (s *session) startKeepalive(interval time.Duration) {
	s.keepaliveStop = make(chan struct{})
	s.keepaliveDone = make(chan struct{})

	go func() {
		defer close(s.keepaliveDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, _, err := s.ssh.SendRequest("keepalive@openssh.com", true, nil); err != nil {
					s.logger.Debug("keepalive lost", zap.String("address", s.address), zap.Error(err))
					return
				}
			case <-s.keepaliveStop:
				return
			}
		}
	}()
}

func (s *session) stopKeepalive() {
	if s.keepaliveStop != nil {
		close(s.keepaliveStop)
		<-s.keepaliveDone
		s.keepaliveStop = nil
	}
}

func toFileInfo(info os.FileInfo) *core.FileInfo {
	return &core.FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    uint32(info.Mode().Perm()),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
}
