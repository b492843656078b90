package feed

import (
	"context"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/partsmarket/syncengine/internal/model"
)

// sftpClient speaks SFTP over SSH. Like the FTP client, every call gets its
// own session.
type sftpClient struct {
	cfg     model.FTPConfig
	timeout time.Duration
}

func newSFTPClient(cfg model.FTPConfig, timeout time.Duration) *sftpClient {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &sftpClient{cfg: cfg, timeout: timeout}
}

type sftpSession struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (s *sftpSession) Close() {
	if s.sftp != nil {
		s.sftp.Close()
	}
	if s.ssh != nil {
		s.ssh.Close()
	}
}

func (c *sftpClient) dial(ctx context.Context) (*sftpSession, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	sshCfg := &ssh.ClientConfig{
		User: c.cfg.User,
		Auth: []ssh.AuthMethod{ssh.Password(c.cfg.Password)},
		// Feed hosts rotate keys without notice; pinning is configured at
		// the infrastructure layer, not per integration.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.timeout,
	}

	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, classifyDialError(err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, newError(ErrProtocol, true, fmt.Errorf("sftp subsystem: %w", err))
	}
	return &sftpSession{ssh: conn, sftp: client}, nil
}

func (c *sftpClient) Test(ctx context.Context) (TestResult, error) {
	artifacts, err := c.List(ctx)
	if err != nil {
		return TestResult{OK: false, Message: err.Error()}, err
	}
	return TestResult{
		OK:          true,
		Message:     fmt.Sprintf("connected to %s, %d matching files", c.cfg.Host, len(artifacts)),
		SampleCount: len(artifacts),
	}, nil
}

func (c *sftpClient) List(ctx context.Context) ([]Artifact, error) {
	sess, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	dir := c.cfg.RemotePath
	if dir == "" {
		dir = "."
	}
	infos, err := sess.sftp.ReadDir(dir)
	if err != nil {
		return nil, newError(ErrNotFound, false, fmt.Errorf("remote path %q: %w", dir, err))
	}

	var artifacts []Artifact
	for _, fi := range infos {
		if fi.IsDir() {
			continue
		}
		if !matchPattern(c.cfg.FilePattern, fi.Name()) {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:       fi.Name(),
			Size:       fi.Size(),
			ModifiedAt: fi.ModTime(),
		})
	}
	return artifacts, nil
}

func (c *sftpClient) Download(ctx context.Context, name string, dst io.Writer) (int64, error) {
	sess, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	remote := name
	if c.cfg.RemotePath != "" {
		remote = path.Join(c.cfg.RemotePath, name)
	}
	f, err := sess.sftp.Open(remote)
	if err != nil {
		return 0, newError(ErrNotFound, false, fmt.Errorf("open %q: %w", remote, err))
	}
	defer f.Close()

	n, err := io.Copy(dst, f)
	if err != nil {
		return n, newError(ErrProtocol, true, fmt.Errorf("download %q interrupted: %w", remote, err))
	}
	return n, nil
}
