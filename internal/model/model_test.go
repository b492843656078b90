package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPartKey(t *testing.T) {
	p := Part{IntegrationID: "int-1", PartNumber: "abc-123", Supplier: "Acme"}
	assert.Equal(t, "int-1:ABC-123:Acme", p.Key())

	// same part number, different supplier: distinct records
	q := p
	q.Supplier = "Globex"
	assert.NotEqual(t, p.Key(), q.Key())
}

func TestSafeViewMasksSecrets(t *testing.T) {
	integ := Integration{
		FTP: &FTPConfig{Host: "h", Password: "hunter2"},
		API: &APIConfig{
			APIKey:       "key",
			Password:     "pw",
			Token:        "tok",
			ClientSecret: "cs",
			Username:     "alice",
		},
	}

	safe := integ.SafeView()

	assert.Equal(t, "********", safe.FTP.Password)
	assert.Equal(t, "********", safe.API.APIKey)
	assert.Equal(t, "********", safe.API.Password)
	assert.Equal(t, "********", safe.API.Token)
	assert.Equal(t, "********", safe.API.ClientSecret)
	assert.Equal(t, "alice", safe.API.Username, "usernames are not secrets")

	// the original must be untouched
	assert.Equal(t, "hunter2", integ.FTP.Password)
	assert.Equal(t, "key", integ.API.APIKey)
}

func TestSafeViewEmptySecretsStayEmpty(t *testing.T) {
	integ := Integration{FTP: &FTPConfig{Host: "h"}}
	safe := integ.SafeView()
	assert.Empty(t, safe.FTP.Password, "masking an empty secret would imply one exists")
}

func TestSyncProgressTerminal(t *testing.T) {
	assert.False(t, SyncProgress{Status: ProgressStarting}.Terminal())
	assert.False(t, SyncProgress{Status: ProgressSyncing}.Terminal())
	assert.True(t, SyncProgress{Status: ProgressCompleted}.Terminal())
	assert.True(t, SyncProgress{Status: ProgressError}.Terminal())
}
