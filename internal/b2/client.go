package b2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultBaseURL is the B2 endpoint used for b2_authorize_account.
const DefaultBaseURL = "https://api.backblazeb2.com"

const (
	apiPrefix        = "/b2api/v3/"
	defaultUserAgent = "b2-go/0.1"
)

// Operation names, used as the Op of classified errors.
const (
	opAuthorizeAccount = "b2_authorize_account"
	opGetUploadURL     = "b2_get_upload_url"
	opUploadFile       = "b2_upload_file"
	opListBuckets      = "b2_list_buckets"
	opListFileNames    = "b2_list_file_names"
)

// Client is an HTTP client for the B2 native API. It owns the account
// session cache and one upload lease cache per bucket, all shared by
// every concurrent call made through the same Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	key        ApplicationKey
	logger     *slog.Logger
	userAgent  string

	session *SessionCache

	leaseMu sync.Mutex
	leases  map[string]*LeaseCache

	// nowFunc stamps upload leases. Tests override it to move the clock.
	nowFunc func() time.Time
}

// NewClient creates a B2 client. baseURL is typically DefaultBaseURL.
// Nothing is sent until the first operation needs a session.
func NewClient(baseURL string, httpClient *http.Client, key ApplicationKey, logger *slog.Logger, userAgent string) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		key:        key,
		logger:     logger,
		userAgent:  userAgent,
		leases:     make(map[string]*LeaseCache),
		nowFunc:    time.Now,
	}

	c.session = NewSessionCache(c.authorizeAccount, logger)

	return c
}

// Session returns the cached account session, authorizing on first use.
func (c *Client) Session(ctx context.Context) (Session, error) {
	return c.session.GetOrAuthorize(ctx)
}

// InvalidateSession drops the cached session; the next call re-authorizes.
func (c *Client) InvalidateSession() {
	c.session.Invalidate()
}

// UploadLease returns a valid upload lease for bucketID, requesting a new
// upload URL when none is cached or the cached one is older than LeaseTTL.
func (c *Client) UploadLease(ctx context.Context, bucketID string) (UploadLease, error) {
	return c.leaseCache(bucketID).GetOrRefresh(ctx)
}

// leaseCache returns the lease cache for bucketID, creating it on first use.
func (c *Client) leaseCache(bucketID string) *LeaseCache {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()

	lc, ok := c.leases[bucketID]
	if !ok {
		lc = NewLeaseCache(bucketID, c.getUploadURL, c.now, c.logger)
		c.leases[bucketID] = lc
	}

	return lc
}

func (c *Client) now() time.Time {
	return c.nowFunc()
}

type authorizeAccountResponse struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIInfo            struct {
		StorageAPI storageAPIInfo `json:"storageApi"`
	} `json:"apiInfo"`
}

type storageAPIInfo struct {
	APIURL                  string `json:"apiUrl"`
	DownloadURL             string `json:"downloadUrl"`
	RecommendedPartSize     int64  `json:"recommendedPartSize"`
	AbsoluteMinimumPartSize int64  `json:"absoluteMinimumPartSize"`
	Allowed                 struct {
		Capabilities []string `json:"capabilities"`
		Buckets      []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"buckets"`
		NamePrefix *string `json:"namePrefix"`
	} `json:"allowed"`
}

// authorizeAccount exchanges the application key for a Session.
func (c *Client) authorizeAccount(ctx context.Context) (Session, error) {
	c.logger.Info("authorizing account", slog.String("key_id", c.key.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPrefix+opAuthorizeAccount, http.NoBody)
	if err != nil {
		return Session{}, fmt.Errorf("b2: creating authorize request: %w", err)
	}

	req.SetBasicAuth(c.key.ID, c.key.Secret)

	var ar authorizeAccountResponse
	if err := c.doJSON(req, opAuthorizeAccount, &ar); err != nil {
		return Session{}, err
	}

	storage := ar.APIInfo.StorageAPI
	if ar.AuthorizationToken == "" || storage.APIURL == "" {
		return Session{}, &Error{
			Op:      opAuthorizeAccount,
			Kind:    KindDeserialize,
			Message: "authorize response is missing token or apiUrl",
		}
	}

	s := Session{
		AccountID:               ar.AccountID,
		APIURL:                  strings.TrimRight(storage.APIURL, "/"),
		DownloadURL:             storage.DownloadURL,
		Token:                   ar.AuthorizationToken,
		RecommendedPartSize:     storage.RecommendedPartSize,
		AbsoluteMinimumPartSize: storage.AbsoluteMinimumPartSize,
		Capabilities:            storage.Allowed.Capabilities,
	}

	for _, b := range storage.Allowed.Buckets {
		s.AllowedBuckets = append(s.AllowedBuckets, AllowedBucket{ID: b.ID, Name: b.Name})
	}

	if storage.Allowed.NamePrefix != nil {
		s.NamePrefix = *storage.Allowed.NamePrefix
	}

	c.logger.Info("account authorized",
		slog.String("account_id", s.AccountID),
		slog.String("api_url", s.APIURL),
	)

	return s, nil
}

type getUploadURLResponse struct {
	BucketID           string `json:"bucketId"`
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// getUploadURL is the LeaseFetcher behind every bucket's LeaseCache.
func (c *Client) getUploadURL(ctx context.Context, bucketID string) (UploadLease, error) {
	q := url.Values{}
	q.Set("bucketId", bucketID)

	var ur getUploadURLResponse
	if err := c.api(ctx, http.MethodGet, opGetUploadURL, q, nil, &ur); err != nil {
		return UploadLease{}, err
	}

	if ur.UploadURL == "" || ur.AuthorizationToken == "" {
		return UploadLease{}, &Error{
			Op:      opGetUploadURL,
			Kind:    KindDeserialize,
			Message: "upload url response is missing uploadUrl or token",
		}
	}

	c.logger.Debug("upload url issued",
		slog.String("bucket_id", bucketID),
	)

	return UploadLease{URL: ur.UploadURL, Token: ur.AuthorizationToken}, nil
}

// api calls an account-level operation on the session's API URL. query is
// appended when non-nil; body is sent as JSON when non-nil. A bad or expired
// account token clears the session cache before the error is returned.
func (c *Client) api(ctx context.Context, method, op string, query url.Values, body, out any) error {
	s, err := c.session.GetOrAuthorize(ctx)
	if err != nil {
		return err
	}

	u := s.APIURL + apiPrefix + op
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var r io.Reader = http.NoBody
	if body != nil {
		data, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return fmt.Errorf("b2: marshaling %s request: %w", op, marshalErr)
		}

		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("b2: creating %s request: %w", op, err)
	}

	req.Header.Set("Authorization", s.Token)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	err = c.doJSON(req, op, out)
	if IsAuthError(err) {
		c.session.InvalidateToken(s.Token)
	}

	return err
}

// doJSON executes req and decodes a 2xx body into out.
func (c *Client) doJSON(req *http.Request, op string, out any) error {
	resp, err := c.do(req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
		e := classifyDecode(decErr)
		e.Op = op

		return e
	}

	return nil
}

// do sends a single request. It returns the response only for 2xx
// statuses; transport failures and error statuses come back as *Error.
// The caller closes the body of a returned response.
func (c *Client) do(req *http.Request, op string) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		e := classifyTransport(err)
		e.Op = op

		c.logger.Error("request failed",
			slog.String("op", op),
			slog.String("kind", e.Kind.String()),
			slog.String("error", err.Error()),
		)

		return nil, e
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	e := Classify(resp, c.logger)
	e.Op = op

	c.logger.Debug("request returned error status",
		slog.String("op", op),
		slog.Int("status", resp.StatusCode),
		slog.String("code", e.Code),
		slog.String("kind", e.Kind.String()),
	)

	return nil, e
}
