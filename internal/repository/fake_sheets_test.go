package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeSheets is a minimal in-memory stand-in for the Sheets values API.
type fakeSheets struct {
	mu    sync.Mutex
	rows  [][]interface{}
	calls []string
}

func newFakeSheetsRepo(t *testing.T) (*Sheets, *fakeSheets) {
	t.Helper()

	fake := &fakeSheets{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	repo, err := NewSheets(context.Background(), "sheet-123", "Licenses",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return repo, fake
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	const prefix = "/v4/spreadsheets/sheet-123/values"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case rest == ":batchUpdate" && r.Method == http.MethodPost:
		f.calls = append(f.calls, "batchUpdate")
		var req struct {
			Data []struct {
				Range  string          `json:"range"`
				Values [][]interface{} `json:"values"`
			} `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, d := range req.Data {
			f.set(d.Range, d.Values[0][0])
		}
		w.Write([]byte(`{}`))

	case strings.HasSuffix(rest, ":append") && r.Method == http.MethodPost:
		f.calls = append(f.calls, "append")
		var vr struct {
			Values [][]interface{} `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.rows = append(f.rows, vr.Values...)
		w.Write([]byte(`{}`))

	case r.Method == http.MethodPut:
		f.calls = append(f.calls, "update")
		var vr struct {
			Values [][]interface{} `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&vr); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rng := strings.TrimPrefix(rest, "/")
		if strings.HasSuffix(rng, "!A1") {
			// header write
			f.rows = append([][]interface{}{vr.Values[0]}, f.rows...)
		} else {
			f.set(rng, vr.Values[0][0])
		}
		w.Write([]byte(`{}`))

	case r.Method == http.MethodGet:
		f.calls = append(f.calls, "get")
		rng := strings.TrimPrefix(rest, "/")
		values := f.rows
		if strings.HasSuffix(rng, "!A1:A1") {
			values = nil
			if len(f.rows) > 0 && len(f.rows[0]) > 0 {
				values = [][]interface{}{{f.rows[0][0]}}
			}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"range":          rng,
			"majorDimension": "ROWS",
			"values":         values,
		})

	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

// set writes one cell addressed like "Licenses!M3".
func (f *fakeSheets) set(rng string, v interface{}) {
	ref := rng[strings.Index(rng, "!")+1:]
	col := int(ref[0] - 'A')
	row, _ := strconv.Atoi(ref[1:])
	for len(f.rows) < row {
		f.rows = append(f.rows, []interface{}{})
	}
	for len(f.rows[row-1]) <= col {
		f.rows[row-1] = append(f.rows[row-1], "")
	}
	f.rows[row-1][col] = v
}
