// Package model holds the canonical records the sync engine moves between
// feeds, the primary store, and the search mirror.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies how an integration's feed is reached.
type Kind string

const (
	KindFTP         Kind = "ftp"
	KindAPI         Kind = "api"
	KindSpreadsheet Kind = "spreadsheet"
)

// Status is the lifecycle state of an integration.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusSyncing  Status = "syncing"
	StatusError    Status = "error"
)

// SyncStatus is the terminal state of a completed run.
type SyncStatus string

const (
	SyncSuccess     SyncStatus = "success"
	SyncFailed      SyncStatus = "failed"
	SyncInterrupted SyncStatus = "interrupted"
)

// Protocol selects the transport for file feeds.
type Protocol string

const (
	ProtocolFTP  Protocol = "ftp"
	ProtocolSFTP Protocol = "sftp"
)

// FTPConfig holds connection settings for FTP/FTPS/SFTP feeds.
type FTPConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	User        string   `json:"user" yaml:"user"`
	Password    string   `json:"password,omitempty" yaml:"password"`
	RemotePath  string   `json:"remotePath" yaml:"remote_path"`
	FilePattern string   `json:"filePattern" yaml:"file_pattern"`
	Secure      bool     `json:"secure" yaml:"secure"`
	Protocol    Protocol `json:"protocol" yaml:"protocol"`
}

// AuthType selects how API requests are authenticated.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api-key"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2-client-credentials"
)

// PaginationKind selects how an API feed pages through results.
type PaginationKind string

const (
	PageNone       PaginationKind = "none"
	PageNumber     PaginationKind = "page"
	PageOffset     PaginationKind = "offset"
	PageCursor     PaginationKind = "cursor"
	PageLinkHeader PaginationKind = "link-header"
)

// Pagination describes the paging scheme of an API feed.
type Pagination struct {
	Kind        PaginationKind `json:"kind" yaml:"kind"`
	PageParam   string         `json:"pageParam,omitempty" yaml:"page_param"`
	OffsetParam string         `json:"offsetParam,omitempty" yaml:"offset_param"`
	LimitParam  string         `json:"limitParam,omitempty" yaml:"limit_param"`
	PageSize    int            `json:"pageSize,omitempty" yaml:"page_size"`
	CursorPath  string         `json:"cursorPath,omitempty" yaml:"cursor_path"`
	CursorParam string         `json:"cursorParam,omitempty" yaml:"cursor_param"`
}

// APIConfig holds connection settings for HTTP API feeds.
type APIConfig struct {
	BaseURL      string            `json:"baseUrl" yaml:"base_url"`
	AuthType     AuthType          `json:"authType" yaml:"auth_type"`
	APIKey       string            `json:"apiKey,omitempty" yaml:"api_key"`
	APIKeyHeader string            `json:"apiKeyHeader,omitempty" yaml:"api_key_header"`
	Username     string            `json:"username,omitempty" yaml:"username"`
	Password     string            `json:"password,omitempty" yaml:"password"`
	Token        string            `json:"token,omitempty" yaml:"token"`
	TokenURL     string            `json:"tokenUrl,omitempty" yaml:"token_url"`
	ClientID     string            `json:"clientId,omitempty" yaml:"client_id"`
	ClientSecret string            `json:"clientSecret,omitempty" yaml:"client_secret"`
	Endpoints    []string          `json:"endpoints" yaml:"endpoints"`
	TestEndpoint string            `json:"testEndpoint,omitempty" yaml:"test_endpoint"`
	DataPath     string            `json:"dataPath,omitempty" yaml:"data_path"`
	FieldMapping map[string]string `json:"fieldMapping,omitempty" yaml:"field_mapping"`
	Pagination   Pagination        `json:"pagination" yaml:"pagination"`
	RateLimitRPS float64           `json:"rateLimitRps,omitempty" yaml:"rate_limit_rps"`
	TimeoutSec   int               `json:"timeoutSec,omitempty" yaml:"timeout_sec"`
}

// Schedule describes when an integration syncs.
type Schedule struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Frequency  string   `json:"frequency" yaml:"frequency"`
	TimeOfDay  string   `json:"timeOfDay,omitempty" yaml:"time_of_day"`
	DaysOfWeek []string `json:"daysOfWeek,omitempty" yaml:"days_of_week"`
	DayOfMonth int      `json:"dayOfMonth,omitempty" yaml:"day_of_month"`
	Timezone   string   `json:"timezone,omitempty" yaml:"timezone"`
}

// Options holds per-integration sync behavior flags.
type Options struct {
	AutoSync    bool `json:"autoSync" yaml:"auto_sync"`
	DeltaSync   bool `json:"deltaSync" yaml:"delta_sync"`
	RetryOnFail bool `json:"retryOnFail" yaml:"retry_on_fail"`
	MaxRetries  int  `json:"maxRetries" yaml:"max_retries"`
}

// Stats accumulates run totals across the life of an integration.
type Stats struct {
	TotalRecords    int64 `json:"totalRecords"`
	TotalSyncs      int64 `json:"totalSyncs"`
	SuccessfulSyncs int64 `json:"successfulSyncs"`
	FailedSyncs     int64 `json:"failedSyncs"`
	LastSyncRecords int64 `json:"lastSyncRecords"`
}

// FileResult is the per-file outcome recorded on a run.
type FileResult struct {
	Name        string `json:"name"`
	Size        int64  `json:"size,omitempty"`
	RecordCount int    `json:"recordCount,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// LastSync records the outcome of the most recent run.
type LastSync struct {
	Date       time.Time    `json:"date"`
	Status     SyncStatus   `json:"status"`
	DurationMS int64        `json:"durationMs"`
	Processed  int          `json:"processed"`
	Inserted   int          `json:"inserted"`
	Updated    int          `json:"updated"`
	Skipped    int          `json:"skipped"`
	Error      string       `json:"error,omitempty"`
	Files      []FileResult `json:"files,omitempty"`
}

// Integration is the persisted configuration for one external feed.
type Integration struct {
	ID        string     `json:"id" db:"id"`
	Name      string     `json:"name" db:"name"`
	Kind      Kind       `json:"kind" db:"kind"`
	FTP       *FTPConfig `json:"ftp,omitempty"`
	API       *APIConfig `json:"api,omitempty"`
	Schedule  Schedule   `json:"schedule"`
	Options   Options    `json:"options"`
	Status    Status     `json:"status" db:"status"`
	LastSync  *LastSync  `json:"lastSync,omitempty"`
	Stats     Stats      `json:"stats"`
	CreatedBy string     `json:"createdBy" db:"created_by"`
	UpdatedBy string     `json:"updatedBy" db:"updated_by"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" db:"updated_at"`
}

const maskedSecret = "********"

// SafeView returns a copy with all credentials masked. Read paths must never
// return the stored secrets.
func (i Integration) SafeView() Integration {
	out := i
	if i.FTP != nil {
		ftp := *i.FTP
		if ftp.Password != "" {
			ftp.Password = maskedSecret
		}
		out.FTP = &ftp
	}
	if i.API != nil {
		api := *i.API
		for _, s := range []*string{&api.APIKey, &api.Password, &api.Token, &api.ClientSecret} {
			if *s != "" {
				*s = maskedSecret
			}
		}
		out.API = &api
	}
	return out
}

// Part is the canonical normalized catalog record.
type Part struct {
	ID              int64                  `json:"id,omitempty" db:"id"`
	IntegrationID   string                 `json:"integrationId" db:"integration_id"`
	IntegrationName string                 `json:"integrationName" db:"integration_name"`
	PartNumber      string                 `json:"partNumber" db:"part_number"`
	Description     string                 `json:"description" db:"description"`
	Brand           string                 `json:"brand" db:"brand"`
	Supplier        string                 `json:"supplier" db:"supplier"`
	Price           float64                `json:"price" db:"price"`
	Currency        string                 `json:"currency" db:"currency"`
	Quantity        int                    `json:"quantity" db:"quantity"`
	DeliveryDays    *int                   `json:"deliveryDays,omitempty" db:"delivery_days"`
	Weight          *float64               `json:"weight,omitempty" db:"weight"`
	Condition       string                 `json:"condition" db:"condition"`
	UOM             string                 `json:"uom" db:"uom"`
	Category        string                 `json:"category" db:"category"`
	Subcategory     string                 `json:"subcategory" db:"subcategory"`
	Origin          string                 `json:"origin" db:"origin"`
	Attributes      map[string]interface{} `json:"attributes,omitempty" db:"attributes"`
	ImportedAt      time.Time              `json:"importedAt" db:"imported_at"`
	LastUpdated     time.Time              `json:"lastUpdated" db:"last_updated"`
}

// Key returns the identity of a part within and across integrations. Parts
// sharing a part number across suppliers are distinct records by design.
func (p Part) Key() string {
	return fmt.Sprintf("%s:%s:%s", p.IntegrationID, strings.ToUpper(p.PartNumber), p.Supplier)
}

// ProgressStatus is the coarse state of a live run.
type ProgressStatus string

const (
	ProgressStarting  ProgressStatus = "starting"
	ProgressSyncing   ProgressStatus = "syncing"
	ProgressCompleted ProgressStatus = "completed"
	ProgressError     ProgressStatus = "error"
)

// Phase is the fine-grained step a run is in.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseListing    Phase = "listing"
	PhaseCleaning   Phase = "cleaning"
	PhaseProcessing Phase = "processing"
	PhaseIndexing   Phase = "indexing"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// SyncProgress is the live, in-memory view of one run.
type SyncProgress struct {
	IntegrationID    string         `json:"integrationId"`
	Status           ProgressStatus `json:"status"`
	Phase            Phase          `json:"phase"`
	FilesTotal       int            `json:"filesTotal"`
	FilesProcessed   int            `json:"filesProcessed"`
	RecordsTotal     int            `json:"recordsTotal"`
	RecordsProcessed int            `json:"recordsProcessed"`
	RecordsInserted  int            `json:"recordsInserted"`
	RecordsUpdated   int            `json:"recordsUpdated"`
	CurrentFile      string         `json:"currentFile,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
	StartTime        time.Time      `json:"startTime"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	ElapsedMS        int64          `json:"elapsedMs"`
	Message          string         `json:"message,omitempty"`
}

// Terminal reports whether the run has finished.
func (p SyncProgress) Terminal() bool {
	return p.Status == ProgressCompleted || p.Status == ProgressError
}

// RequestStatus is the queue state of a worker-mode sync request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestDone       RequestStatus = "done"
	RequestFailed     RequestStatus = "failed"
)

// SyncRequest is a durable work item consumed by worker processes.
type SyncRequest struct {
	ID            int64         `json:"id" db:"id"`
	IntegrationID string        `json:"integrationId" db:"integration_id"`
	Status        RequestStatus `json:"status" db:"status"`
	Source        string        `json:"source" db:"source"`
	Error         string        `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time     `json:"updatedAt" db:"updated_at"`
}

// HistoryEntry is one append-only audit row per completed run.
type HistoryEntry struct {
	ID            int64      `json:"id" db:"id"`
	IntegrationID string     `json:"integrationId" db:"integration_id"`
	Status        SyncStatus `json:"status" db:"status"`
	DurationMS    int64      `json:"durationMs" db:"duration_ms"`
	Processed     int        `json:"processed" db:"processed"`
	Inserted      int        `json:"inserted" db:"inserted"`
	Updated       int        `json:"updated" db:"updated"`
	Skipped       int        `json:"skipped" db:"skipped"`
	Error         string     `json:"error,omitempty" db:"error"`
	StartedAt     time.Time  `json:"startedAt" db:"started_at"`
	FinishedAt    time.Time  `json:"finishedAt" db:"finished_at"`
}
