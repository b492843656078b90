// Package feed connects to external part sources (FTP, SFTP, HTTP APIs),
// lists their artifacts and streams them down. Every operation opens its own
// connection; nothing here is shared between in-flight downloads.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/partsmarket/syncengine/internal/model"
)

// ErrorKind classifies feed failures for retry decisions.
type ErrorKind string

const (
	ErrConfig      ErrorKind = "config"
	ErrUnreachable ErrorKind = "unreachable"
	ErrAuth        ErrorKind = "auth"
	ErrTimeout     ErrorKind = "timeout"
	ErrNotFound    ErrorKind = "not_found"
	ErrProtocol    ErrorKind = "protocol"
)

// Error is a typed feed failure. Retryable kinds are retried by the
// orchestrator, never inside the client.
type Error struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("feed %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, retryable bool, err error) *Error {
	return &Error{Kind: kind, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a feed error worth retrying.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable
}

// Artifact is one listable item on a feed.
type Artifact struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt,omitempty"`
}

// TestResult is the outcome of a non-mutating connectivity check.
type TestResult struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message"`
	SampleCount int    `json:"sampleCount,omitempty"`
}

// Client is a stateless-per-call feed connection factory. Download opens an
// isolated connection for each artifact so a stalled or reset socket can
// never corrupt a sibling transfer.
type Client interface {
	Test(ctx context.Context) (TestResult, error)
	List(ctx context.Context) ([]Artifact, error)
	Download(ctx context.Context, name string, dst io.Writer) (int64, error)
}

// RecordFetcher is implemented by API feeds, which yield records directly
// instead of files.
type RecordFetcher interface {
	// FetchAll walks the configured endpoints and pagination, emitting raw
	// record batches. Returns the total record count.
	FetchAll(ctx context.Context, onBatch func(records []map[string]interface{}) error) (int, error)
}

// New builds the client for an integration's feed configuration.
func New(integ model.Integration, timeout time.Duration) (Client, error) {
	switch integ.Kind {
	case model.KindFTP, model.KindSpreadsheet:
		if integ.FTP == nil {
			return nil, newError(ErrConfig, false, errors.New("missing ftp configuration"))
		}
		if err := ValidateFTPConfig(*integ.FTP); err != nil {
			return nil, err
		}
		if integ.FTP.Protocol == model.ProtocolSFTP {
			return newSFTPClient(*integ.FTP, timeout), nil
		}
		return newFTPClient(*integ.FTP, timeout), nil
	case model.KindAPI:
		if integ.API == nil {
			return nil, newError(ErrConfig, false, errors.New("missing api configuration"))
		}
		if err := ValidateAPIConfig(*integ.API); err != nil {
			return nil, err
		}
		return newAPIClient(integ.ID, *integ.API, timeout), nil
	default:
		return nil, newError(ErrConfig, false, fmt.Errorf("unknown integration kind %q", integ.Kind))
	}
}

// ValidateFTPConfig rejects incomplete FTP settings.
func ValidateFTPConfig(cfg model.FTPConfig) error {
	if cfg.Host == "" {
		return newError(ErrConfig, false, errors.New("ftp host is required"))
	}
	switch cfg.Protocol {
	case "", model.ProtocolFTP, model.ProtocolSFTP:
	default:
		return newError(ErrConfig, false, fmt.Errorf("unknown protocol %q", cfg.Protocol))
	}
	if cfg.FilePattern != "" {
		if _, err := path.Match(strings.ToLower(cfg.FilePattern), "probe"); err != nil {
			return newError(ErrConfig, false, fmt.Errorf("invalid file pattern %q: %w", cfg.FilePattern, err))
		}
	}
	return nil
}

// ValidateAPIConfig rejects incomplete API settings.
func ValidateAPIConfig(cfg model.APIConfig) error {
	if cfg.BaseURL == "" {
		return newError(ErrConfig, false, errors.New("api base url is required"))
	}
	if len(cfg.Endpoints) == 0 && cfg.TestEndpoint == "" {
		return newError(ErrConfig, false, errors.New("at least one endpoint is required"))
	}
	switch cfg.AuthType {
	case "", model.AuthNone:
	case model.AuthAPIKey:
		if cfg.APIKey == "" {
			return newError(ErrConfig, false, errors.New("api key is required for api-key auth"))
		}
	case model.AuthBasic:
		if cfg.Username == "" {
			return newError(ErrConfig, false, errors.New("username is required for basic auth"))
		}
	case model.AuthBearer:
		if cfg.Token == "" {
			return newError(ErrConfig, false, errors.New("token is required for bearer auth"))
		}
	case model.AuthOAuth2:
		if cfg.TokenURL == "" || cfg.ClientID == "" {
			return newError(ErrConfig, false, errors.New("token url and client id are required for oauth2"))
		}
	default:
		return newError(ErrConfig, false, fmt.Errorf("unknown auth type %q", cfg.AuthType))
	}
	switch cfg.Pagination.Kind {
	case "", model.PageNone, model.PageNumber, model.PageOffset, model.PageCursor, model.PageLinkHeader:
	default:
		return newError(ErrConfig, false, fmt.Errorf("unknown pagination kind %q", cfg.Pagination.Kind))
	}
	return nil
}

// matchPattern applies a case-insensitive glob (* and ?) to a file name.
func matchPattern(pattern, name string) bool {
	if pattern == "" {
		return true
	}
	ok, err := path.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}
