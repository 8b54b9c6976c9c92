package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/b2-go/internal/config"
)

const (
	fakeKeyID      = "key-id"
	fakeSecret     = "key-secret"
	fakeAccountID  = "acct-1"
	fakeToken      = "account-token"
	fakeUploadTok  = "upload-token"
	fakeBucketID   = "bucket-1"
	fakeBucketName = "photos"
)

// cliFakeB2 serves just enough of the B2 API for the CLI commands.
type cliFakeB2 struct {
	srv *httptest.Server

	uploads atomic.Int32
}

func newCLIFakeB2(t *testing.T) *cliFakeB2 {
	t.Helper()

	f := &cliFakeB2{}

	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v3/b2_authorize_account", f.authorize)
	mux.HandleFunc("/api/b2api/v3/b2_list_buckets", f.listBuckets)
	mux.HandleFunc("/api/b2api/v3/b2_get_upload_url", f.getUploadURL)
	mux.HandleFunc("/upload/", f.upload)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *cliFakeB2) authorize(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	if !ok || id != fakeKeyID || secret != fakeSecret {
		fakeError(w, http.StatusUnauthorized, "unauthorized", "invalid key")
		return
	}

	fakeJSON(w, map[string]any{
		"accountId":          fakeAccountID,
		"authorizationToken": fakeToken,
		"apiInfo": map[string]any{
			"storageApi": map[string]any{
				"apiUrl":                  f.srv.URL + "/api",
				"downloadUrl":             f.srv.URL + "/download",
				"recommendedPartSize":     100000000,
				"absoluteMinimumPartSize": 5000000,
				"allowed": map[string]any{
					"capabilities": []string{"listBuckets", "writeFiles"},
				},
			},
		},
	})
}

func (f *cliFakeB2) listBuckets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BucketName string `json:"bucketName"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fakeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	buckets := []map[string]any{}
	if req.BucketName == "" || req.BucketName == fakeBucketName {
		buckets = append(buckets, map[string]any{
			"accountId":  fakeAccountID,
			"bucketId":   fakeBucketID,
			"bucketName": fakeBucketName,
			"bucketType": "allPrivate",
		})
	}

	fakeJSON(w, map[string]any{"buckets": buckets})
}

func (f *cliFakeB2) getUploadURL(w http.ResponseWriter, r *http.Request) {
	bucketID := r.URL.Query().Get("bucketId")

	fakeJSON(w, map[string]any{
		"bucketId":           bucketID,
		"uploadUrl":          f.srv.URL + "/upload/" + bucketID,
		"authorizationToken": fakeUploadTok,
	})
}

func (f *cliFakeB2) upload(w http.ResponseWriter, r *http.Request) {
	n := f.uploads.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil || r.Header.Get("Authorization") != fakeUploadTok {
		fakeError(w, http.StatusUnauthorized, "bad_auth_token", "bad upload token")
		return
	}

	name, _ := url.PathUnescape(r.Header.Get("X-Bz-File-Name"))

	fakeJSON(w, map[string]any{
		"accountId":       fakeAccountID,
		"action":          "upload",
		"bucketId":        strings.TrimPrefix(r.URL.Path, "/upload/"),
		"contentLength":   len(body),
		"contentSha1":     r.Header.Get("X-Bz-Content-Sha1"),
		"contentType":     "text/plain",
		"fileId":          fmt.Sprintf("4_zfile_%d", n),
		"fileInfo":        map[string]string{},
		"fileName":        name,
		"uploadTimestamp": 1700000000123,
	})
}

func fakeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func fakeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "code": code, "message": message})
}

// cliEnv is a throwaway config, key file and history database for one test.
type cliEnv struct {
	dir        string
	configPath string
	keyFile    string
	dbPath     string
	logFile    string
}

// newCLIEnv writes a config file pointing every path into a temp dir and
// clears the credential environment. Callers must not use t.Parallel.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	e := &cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		keyFile:    filepath.Join(dir, "key.json"),
		dbPath:     filepath.Join(dir, "history.db"),
		logFile:    filepath.Join(dir, "logs", "b2-go.log"),
	}

	content := fmt.Sprintf(`[account]
key_file = %q

[logging]
log_file = %q
log_format = "json"

[history]
db_path = %q
`, e.keyFile, e.logFile, e.dbPath)

	require.NoError(t, os.WriteFile(e.configPath, []byte(content), 0o600))

	t.Setenv(config.EnvKeyID, "")
	t.Setenv(config.EnvApplicationKey, "")
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvAPIURL, "")
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))

	return e
}

// run executes the root command with --config set to the test config.
func (e *cliEnv) run(stdin string, args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	return cmd.ExecuteContext(context.Background())
}
