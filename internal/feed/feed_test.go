package feed

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/partsmarket/syncengine/internal/model"
)

func TestNewDispatch(t *testing.T) {
	ftpInteg := model.Integration{
		Kind: model.KindFTP,
		FTP:  &model.FTPConfig{Host: "ftp.example.com"},
	}
	c, err := New(ftpInteg, 0)
	assert.NoError(t, err)
	assert.IsType(t, &ftpClient{}, c)

	ftpInteg.FTP.Protocol = model.ProtocolSFTP
	c, err = New(ftpInteg, 0)
	assert.NoError(t, err)
	assert.IsType(t, &sftpClient{}, c)

	apiInteg := model.Integration{
		ID:   "int-1",
		Kind: model.KindAPI,
		API:  &model.APIConfig{BaseURL: "https://api.example.com", Endpoints: []string{"/parts"}},
	}
	c, err = New(apiInteg, 0)
	assert.NoError(t, err)
	assert.IsType(t, &apiClient{}, c)

	_, err = New(model.Integration{Kind: model.KindFTP}, 0)
	assert.Error(t, err, "missing ftp config")

	_, err = New(model.Integration{Kind: "carrier-pigeon"}, 0)
	assert.Error(t, err)
}

func TestValidateFTPConfig(t *testing.T) {
	assert.NoError(t, ValidateFTPConfig(model.FTPConfig{Host: "h"}))
	assert.NoError(t, ValidateFTPConfig(model.FTPConfig{Host: "h", FilePattern: "*.csv"}))

	assert.Error(t, ValidateFTPConfig(model.FTPConfig{}), "host required")
	assert.Error(t, ValidateFTPConfig(model.FTPConfig{Host: "h", Protocol: "gopher"}))
	assert.Error(t, ValidateFTPConfig(model.FTPConfig{Host: "h", FilePattern: "[bad"}))
}

func TestValidateAPIConfig(t *testing.T) {
	base := model.APIConfig{BaseURL: "https://x", Endpoints: []string{"/parts"}}
	assert.NoError(t, ValidateAPIConfig(base))

	assert.Error(t, ValidateAPIConfig(model.APIConfig{Endpoints: []string{"/p"}}), "base url required")
	assert.Error(t, ValidateAPIConfig(model.APIConfig{BaseURL: "https://x"}), "endpoint required")

	cfg := base
	cfg.AuthType = model.AuthAPIKey
	assert.Error(t, ValidateAPIConfig(cfg), "api key required")
	cfg.APIKey = "k"
	assert.NoError(t, ValidateAPIConfig(cfg))

	cfg = base
	cfg.AuthType = model.AuthOAuth2
	assert.Error(t, ValidateAPIConfig(cfg))
	cfg.TokenURL = "https://x/token"
	cfg.ClientID = "me"
	assert.NoError(t, ValidateAPIConfig(cfg))

	cfg = base
	cfg.AuthType = "voodoo"
	assert.Error(t, ValidateAPIConfig(cfg))

	cfg = base
	cfg.Pagination.Kind = "infinite-scroll"
	assert.Error(t, ValidateAPIConfig(cfg))
}

func TestMatchPattern(t *testing.T) {
	assert.True(t, matchPattern("", "anything.csv"))
	assert.True(t, matchPattern("*.csv", "parts.csv"))
	assert.True(t, matchPattern("*.CSV", "parts.csv"), "case insensitive")
	assert.True(t, matchPattern("parts_*.csv", "PARTS_2025.CSV"))
	assert.False(t, matchPattern("*.csv", "parts.xlsx"))
}

func TestIsRetryable(t *testing.T) {
	retryable := newError(ErrUnreachable, true, errors.New("down"))
	terminal := newError(ErrAuth, false, errors.New("denied"))

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(terminal))
	assert.False(t, IsRetryable(errors.New("plain")))

	// wrapped feed errors are still recognized
	wrapped := errors.Join(errors.New("context"), retryable)
	assert.True(t, IsRetryable(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	e := newError(ErrTimeout, true, inner)
	assert.ErrorIs(t, e, inner)
	assert.Contains(t, e.Error(), "timeout")
}
