package feed

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog/log"

	"github.com/partsmarket/syncengine/internal/model"
)

// ftpClient speaks plain FTP or explicit FTPS. Every call dials a fresh
// connection and quits before returning.
type ftpClient struct {
	cfg     model.FTPConfig
	timeout time.Duration
}

func newFTPClient(cfg model.FTPConfig, timeout time.Duration) *ftpClient {
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	return &ftpClient{cfg: cfg, timeout: timeout}
}

func (c *ftpClient) dial(ctx context.Context) (*ftp.ServerConn, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	opts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(c.timeout),
	}
	if c.cfg.Secure {
		opts = append(opts, ftp.DialWithExplicitTLS(&tls.Config{ServerName: c.cfg.Host}))
	}

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return nil, classifyDialError(err)
	}

	user := c.cfg.User
	if user == "" {
		user = "anonymous"
	}
	if err := conn.Login(user, c.cfg.Password); err != nil {
		conn.Quit()
		return nil, newError(ErrAuth, false, fmt.Errorf("login failed: %w", err))
	}

	if c.cfg.RemotePath != "" {
		if err := conn.ChangeDir(c.cfg.RemotePath); err != nil {
			conn.Quit()
			return nil, newError(ErrNotFound, false, fmt.Errorf("remote path %q: %w", c.cfg.RemotePath, err))
		}
	}
	return conn, nil
}

// Test connects, authenticates and lists the configured path without
// mutating anything.
func (c *ftpClient) Test(ctx context.Context) (TestResult, error) {
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

// List returns the files under the remote path matching the glob pattern.
func (c *ftpClient) List(ctx context.Context) ([]Artifact, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := conn.List("")
	if err != nil {
		return nil, newError(ErrProtocol, true, fmt.Errorf("list failed: %w", err))
	}

	var artifacts []Artifact
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		if !matchPattern(c.cfg.FilePattern, e.Name) {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:       e.Name,
			Size:       int64(e.Size),
			ModifiedAt: e.Time,
		})
	}
	log.Debug().Str("host", c.cfg.Host).Int("files", len(artifacts)).
		Str("pattern", c.cfg.FilePattern).Msg("FTP listing complete")
	return artifacts, nil
}

// Download streams one artifact into dst over its own connection.
func (c *ftpClient) Download(ctx context.Context, name string, dst io.Writer) (int64, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Quit()

	resp, err := conn.Retr(name)
	if err != nil {
		return 0, newError(ErrNotFound, false, fmt.Errorf("retr %q: %w", name, err))
	}
	defer resp.Close()

	n, err := io.Copy(dst, resp)
	if err != nil {
		return n, newError(ErrProtocol, true, fmt.Errorf("download %q interrupted: %w", name, err))
	}
	return n, nil
}

func classifyDialError(err error) *Error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return newError(ErrTimeout, true, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrTimeout, true, err)
	}
	if strings.Contains(err.Error(), "530") {
		return newError(ErrAuth, false, err)
	}
	return newError(ErrUnreachable, true, err)
}
