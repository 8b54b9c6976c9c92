package b2

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testKeyID       = "key-id"
	testKeySecret   = "key-secret"
	testAccountID   = "acct-1"
	testAccountTok  = "account-token"
	testUploadToken = "upload-token"
)

// uploadRequest is what fakeB2 saw for one b2_upload_file call.
type uploadRequest struct {
	Header http.Header
	Body   []byte
	Length int64
	Path   string
}

// fakeB2 is a minimal in-process B2 API. Handlers count calls and can be
// overridden per test through the hook fields.
type fakeB2 struct {
	t   *testing.T
	srv *httptest.Server

	authorizeCalls atomic.Int32
	uploadURLCalls atomic.Int32
	uploadCalls    atomic.Int32

	// uploadURLDelay slows b2_get_upload_url to widen concurrency windows.
	uploadURLDelay time.Duration

	// Optional overrides. Returning true means the hook wrote the response.
	onAuthorize func(w http.ResponseWriter, r *http.Request) bool
	onUpload    func(w http.ResponseWriter, r *http.Request) bool
	onAPI       func(w http.ResponseWriter, r *http.Request) bool

	mu      sync.Mutex
	uploads []uploadRequest
}

func newFakeB2(t *testing.T) *fakeB2 {
	t.Helper()

	f := &fakeB2{t: t}

	mux := http.NewServeMux()
	mux.HandleFunc("/b2api/v3/b2_authorize_account", f.handleAuthorize)
	mux.HandleFunc("/api/b2api/v3/b2_get_upload_url", f.handleGetUploadURL)
	mux.HandleFunc("/api/b2api/v3/", f.handleAPI)
	mux.HandleFunc("/upload/", f.handleUpload)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeB2) URL() string {
	return f.srv.URL
}

func (f *fakeB2) recordedUploads() []uploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]uploadRequest(nil), f.uploads...)
}

func (f *fakeB2) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	f.authorizeCalls.Add(1)

	if f.onAuthorize != nil && f.onAuthorize(w, r) {
		return
	}

	id, secret, ok := r.BasicAuth()
	if !ok || id != testKeyID || secret != testKeySecret {
		writeError(w, http.StatusUnauthorized, "bad_auth_token", "invalid key")
		return
	}

	writeJSON(w, map[string]any{
		"accountId":          testAccountID,
		"authorizationToken": testAccountTok,
		"apiInfo": map[string]any{
			"storageApi": map[string]any{
				"apiUrl":                  f.srv.URL + "/api",
				"downloadUrl":             f.srv.URL + "/download",
				"recommendedPartSize":     100000000,
				"absoluteMinimumPartSize": 5000000,
				"allowed": map[string]any{
					"capabilities": []string{"listBuckets", "writeFiles"},
					"buckets":      nil,
					"namePrefix":   nil,
				},
			},
		},
	})
}

func (f *fakeB2) handleGetUploadURL(w http.ResponseWriter, r *http.Request) {
	n := f.uploadURLCalls.Add(1)

	if f.uploadURLDelay > 0 {
		time.Sleep(f.uploadURLDelay)
	}

	if r.Header.Get("Authorization") != testAccountTok {
		writeError(w, http.StatusUnauthorized, "bad_auth_token", "bad token")
		return
	}

	bucketID := r.URL.Query().Get("bucketId")
	if bucketID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "bucketId is required")
		return
	}

	writeJSON(w, map[string]any{
		"bucketId":           bucketID,
		"uploadUrl":          fmt.Sprintf("%s/upload/%s/%d", f.srv.URL, bucketID, n),
		"authorizationToken": testUploadToken,
	})
}

func (f *fakeB2) handleAPI(w http.ResponseWriter, r *http.Request) {
	if f.onAPI != nil && f.onAPI(w, r) {
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "no such operation")
}

func (f *fakeB2) handleUpload(w http.ResponseWriter, r *http.Request) {
	f.uploadCalls.Add(1)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		f.t.Errorf("reading upload body: %v", err)
	}

	f.mu.Lock()
	f.uploads = append(f.uploads, uploadRequest{
		Header: r.Header.Clone(),
		Body:   body,
		Length: r.ContentLength,
		Path:   r.URL.Path,
	})
	f.mu.Unlock()

	if f.onUpload != nil && f.onUpload(w, r) {
		return
	}

	if r.Header.Get("Authorization") != testUploadToken {
		writeError(w, http.StatusUnauthorized, "bad_auth_token", "bad upload token")
		return
	}

	name, err := url.PathUnescape(r.Header.Get("X-Bz-File-Name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "bad file name encoding")
		return
	}

	// /upload/<bucket>/<n>
	bucketID := strings.Split(strings.TrimPrefix(r.URL.Path, "/upload/"), "/")[0]

	writeJSON(w, map[string]any{
		"accountId":       testAccountID,
		"action":          "upload",
		"bucketId":        bucketID,
		"contentLength":   len(body),
		"contentSha1":     r.Header.Get("X-Bz-Content-Sha1"),
		"contentMd5":      nil,
		"contentType":     "text/plain",
		"fileId":          "4_z" + bucketID + "_f1",
		"fileInfo":        map[string]string{},
		"fileName":        name,
		"uploadTimestamp": 1700000000123,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Status: status, Code: code, Message: message})
}

// newTestClient creates a Client pointing at the given server with the
// key the fake accepts.
func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	return NewClient(serverURL, http.DefaultClient, ApplicationKey{ID: testKeyID, Secret: testKeySecret}, slog.Default(), "test-agent")
}
