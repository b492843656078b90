package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partsmarket/syncengine/internal/model"
)

func newTestClient(cfg model.APIConfig) *apiClient {
	c := newAPIClient("int-1", cfg, 5*time.Second)
	c.maxRetries = 1 // keep failing tests fast
	return c
}

func fetchAll(t *testing.T, c *apiClient) ([]map[string]interface{}, int) {
	t.Helper()
	var got []map[string]interface{}
	total, err := c.FetchAll(context.Background(), func(records []map[string]interface{}) error {
		got = append(got, records...)
		return nil
	})
	require.NoError(t, err)
	return got, total
}

func TestFetchAllNoPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"sku": "A"}, {"sku": "B"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{
		BaseURL:   srv.URL,
		Endpoints: []string{"/parts"},
		DataPath:  "data",
	})

	got, total := fetchAll(t, c)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0]["sku"])
}

func TestFetchAllPageNumberPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		var items []map[string]interface{}
		if page <= 2 { // two full pages, then a short one
			for i := 0; i < limit; i++ {
				items = append(items, map[string]interface{}{"sku": fmt.Sprintf("p%d-%d", page, i)})
			}
		} else {
			items = []map[string]interface{}{{"sku": "last"}}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"items": items})
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{
		BaseURL:   srv.URL,
		Endpoints: []string{"/parts"},
		DataPath:  "items",
		Pagination: model.Pagination{
			Kind:     model.PageNumber,
			PageSize: 3,
		},
	})

	_, total := fetchAll(t, c)
	assert.Equal(t, 7, total) // 3 + 3 + 1
}

func TestFetchAllOffsetPagination(t *testing.T) {
	all := []map[string]interface{}{
		{"sku": "1"}, {"sku": "2"}, {"sku": "3"}, {"sku": "4"}, {"sku": "5"},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		end := offset + limit
		if end > len(all) {
			end = len(all)
		}
		page := []map[string]interface{}{}
		if offset < len(all) {
			page = all[offset:end]
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": page})
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{
		BaseURL:   srv.URL,
		Endpoints: []string{"/parts"},
		DataPath:  "data",
		Pagination: model.Pagination{
			Kind:     model.PageOffset,
			PageSize: 2,
		},
	})

	_, total := fetchAll(t, c)
	assert.Equal(t, 5, total)
}

func TestFetchAllCursorPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		switch cursor {
		case "":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{{"sku": "1"}},
				"meta": map[string]interface{}{"next": "c2"},
			})
		case "c2":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{{"sku": "2"}},
				"meta": map[string]interface{}{"next": ""},
			})
		default:
			t.Errorf("unexpected cursor %q", cursor)
		}
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{
		BaseURL:   srv.URL,
		Endpoints: []string{"/parts"},
		DataPath:  "data",
		Pagination: model.Pagination{
			Kind:       model.PageCursor,
			CursorPath: "meta.next",
		},
	})

	_, total := fetchAll(t, c)
	assert.Equal(t, 2, total)
}

func TestFetchAllLinkHeaderPagination(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("p") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/parts?p=2>; rel="next", <%s/parts?p=9>; rel="last"`, srv.URL, srv.URL))
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{{"sku": r.URL.Query().Get("p")}})
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{
		BaseURL:    srv.URL,
		Endpoints:  []string{"/parts"},
		Pagination: model.Pagination{Kind: model.PageLinkHeader},
	})

	_, total := fetchAll(t, c)
	assert.Equal(t, 2, total)
}

func TestAuthHeaders(t *testing.T) {
	var gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("X-Custom-Key")
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer srv.Close()

	bearer := newTestClient(model.APIConfig{
		BaseURL:   srv.URL,
		Endpoints: []string{"/parts"},
		AuthType:  model.AuthBearer,
		Token:     "tok-123",
	})
	fetchAll(t, bearer)
	assert.Equal(t, "Bearer tok-123", gotAuth)

	apiKey := newTestClient(model.APIConfig{
		BaseURL:      srv.URL,
		Endpoints:    []string{"/parts"},
		AuthType:     model.AuthAPIKey,
		APIKey:       "k-456",
		APIKeyHeader: "X-Custom-Key",
	})
	fetchAll(t, apiKey)
	assert.Equal(t, "k-456", gotKey)
}

func TestOAuth2TokenFetchAndCache(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, "me", r.Form.Get("client_id"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-789",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/parts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-789", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode([]map[string]interface{}{{"sku": "x"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(model.APIConfig{
		BaseURL:      srv.URL,
		Endpoints:    []string{"/parts"},
		AuthType:     model.AuthOAuth2,
		TokenURL:     srv.URL + "/token",
		ClientID:     "me",
		ClientSecret: "shh",
	})

	fetchAll(t, c)
	fetchAll(t, c)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls), "token cached across requests")
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{{"sku": "x"}})
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{BaseURL: srv.URL, Endpoints: []string{"/parts"}})
	_, total := fetchAll(t, c)
	assert.Equal(t, 1, total)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{BaseURL: srv.URL, Endpoints: []string{"/parts"}})
	_, err := c.FetchAll(context.Background(), func([]map[string]interface{}) error { return nil })

	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrAuth, fe.Kind)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "permanent failure, single attempt")
}

func TestTestReportsSample(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"sku": "1"}, {"sku": "2"}, {"sku": "3"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(model.APIConfig{
		BaseURL:      srv.URL,
		TestEndpoint: "/ping",
		DataPath:     "data",
	})

	res, err := c.Test(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 3, res.SampleCount)
}

func TestParseLinkNext(t *testing.T) {
	assert.Equal(t, "https://x/2",
		parseLinkNext(`<https://x/2>; rel="next", <https://x/9>; rel="last"`))
	assert.Equal(t, "", parseLinkNext(`<https://x/9>; rel="last"`))
	assert.Equal(t, "", parseLinkNext(""))
}

func TestLookupPath(t *testing.T) {
	doc := map[string]interface{}{
		"a": map[string]interface{}{"b": map[string]interface{}{"c": "deep"}},
	}
	assert.Equal(t, "deep", lookupPath(doc, "a.b.c"))
	assert.Nil(t, lookupPath(doc, "a.missing.c"))
	assert.Equal(t, doc, lookupPath(doc, ""))
}
