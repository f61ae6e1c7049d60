package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/larrydiffey/sftpipe/pkg/core"
)

// verify compares source and destination checksums after all chunks
// complete. A mismatch is surfaced as core.ErrIntegrity, which the queue
// treats as a normal retryable failure. The partial destination is left in
// place; cleanup stays with cancel and failure handling.
func (m *Manager) verify(ctx context.Context, req Request) error {
	localSum, err := localChecksum(req.LocalPath)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", req.LocalPath, err)
	}

	lease, err := m.pool.Acquire(ctx, req.Host, req.Auth)
	if err != nil {
		return fmt.Errorf("verify %s: %w", req.RemotePath, err)
	}
	remoteSum, err := remoteChecksum(ctx, lease.Session(), req.RemotePath)
	if err != nil {
		lease.Discard()
		return fmt.Errorf("checksum %s: %w", req.RemotePath, err)
	}
	lease.Release()

	if localSum != remoteSum {
		return fmt.Errorf("verify %s: local %s != remote %s: %w",
			req.RemotePath, localSum[:12], remoteSum[:12], core.ErrIntegrity)
	}
	m.logger.Debug("integrity verified", zap.String("task", req.Task.ID()), zap.String("sha256", localSum[:12]))
	return nil
}

func localChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func remoteChecksum(ctx context.Context, session core.RemoteSession, path string) (string, error) {
	f, err := session.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// preserveAttrs copies permissions and modification time to the destination
func (m *Manager) preserveAttrs(ctx context.Context, req Request) error {
	if req.Direction == core.DirectionUpload {
		info, err := os.Stat(req.LocalPath)
		if err != nil {
			return err
		}
		lease, err := m.pool.Acquire(ctx, req.Host, req.Auth)
		if err != nil {
			return err
		}
		defer lease.Release()
		if err := lease.Session().Chmod(ctx, req.RemotePath, uint32(info.Mode().Perm())); err != nil {
			return err
		}
		mtime := info.ModTime().Unix()
		return lease.Session().Chtimes(ctx, req.RemotePath, mtime, mtime)
	}

	lease, err := m.pool.Acquire(ctx, req.Host, req.Auth)
	if err != nil {
		return err
	}
	info, err := lease.Session().Stat(ctx, req.RemotePath)
	if err != nil {
		lease.Discard()
		return err
	}
	lease.Release()
	if err := os.Chmod(req.LocalPath, os.FileMode(info.Mode)); err != nil {
		return err
	}
	return os.Chtimes(req.LocalPath, info.ModTime, info.ModTime)
}
