package b2

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // B2 integrity checks are defined as SHA-1
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// AutoContentType asks B2 to pick the content type from the file name.
const AutoContentType = "b2/x-auto"

// Upload request headers.
const (
	headerFileName     = "X-Bz-File-Name"
	headerContentSHA1  = "X-Bz-Content-Sha1"
	headerInfoPrefix   = "X-Bz-Info-"
	infoLastModifiedMs = "src_last_modified_millis"
)

// File is the metadata of a stored file version as returned by uploads and
// listings.
type File struct {
	ID              string
	Name            string
	Size            uint64
	UploadTimestamp time.Time

	AccountID   string
	BucketID    string
	Action      string
	ContentSHA1 string
	ContentMD5  string
	ContentType string
	Info        map[string]string
}

// fileResponse is the JSON shape of a file version in upload and listing
// responses.
type fileResponse struct {
	AccountID       string            `json:"accountId"`
	Action          string            `json:"action"`
	BucketID        string            `json:"bucketId"`
	ContentLength   uint64            `json:"contentLength"`
	ContentSHA1     *string           `json:"contentSha1"`
	ContentMD5      *string           `json:"contentMd5"`
	ContentType     *string           `json:"contentType"`
	FileID          string            `json:"fileId"`
	FileInfo        map[string]string `json:"fileInfo"`
	FileName        string            `json:"fileName"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
}

func (fr *fileResponse) toFile() File {
	return File{
		ID:              fr.FileID,
		Name:            fr.FileName,
		Size:            fr.ContentLength,
		UploadTimestamp: time.UnixMilli(fr.UploadTimestamp),
		AccountID:       fr.AccountID,
		BucketID:        fr.BucketID,
		Action:          fr.Action,
		ContentSHA1:     deref(fr.ContentSHA1),
		ContentMD5:      deref(fr.ContentMD5),
		ContentType:     deref(fr.ContentType),
		Info:            fr.FileInfo,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

// UploadOptions adjusts an upload. The zero value sends AutoContentType and
// no file info.
type UploadOptions struct {
	ContentType  string
	Info         map[string]string
	LastModified time.Time
}

// ContentSHA1 returns the lowercase hex SHA-1 digest of data.
func ContentSHA1(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // B2 integrity checks are defined as SHA-1

	return hex.EncodeToString(sum[:])
}

// UploadFile uploads the content of r to bucketID under name, obtaining
// (or reusing) the bucket's upload lease first.
func (c *Client) UploadFile(ctx context.Context, bucketID, name string, r io.Reader) (*File, error) {
	return c.UploadFileWithOptions(ctx, bucketID, name, r, UploadOptions{})
}

// UploadFileWithOptions is UploadFile with a content type and file info.
// When the upload token is rejected the bucket's lease is dropped so the
// next upload fetches a new upload URL.
func (c *Client) UploadFileWithOptions(
	ctx context.Context, bucketID, name string, r io.Reader, opts UploadOptions,
) (*File, error) {
	lease, err := c.UploadLease(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	f, err := c.upload(ctx, lease, r, name, opts)
	if err != nil {
		if IsAuthError(err) {
			c.logger.Info("upload token rejected, dropping lease",
				slog.String("bucket_id", bucketID),
			)

			c.leaseCache(bucketID).InvalidateToken(lease.Token)
		}

		return nil, err
	}

	return f, nil
}

// Upload sends the content of r to an already obtained lease.
func (c *Client) Upload(ctx context.Context, lease UploadLease, r io.Reader, name string) (*File, error) {
	return c.upload(ctx, lease, r, name, UploadOptions{})
}

func (c *Client) upload(
	ctx context.Context, lease UploadLease, r io.Reader, name string, opts UploadOptions,
) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &Error{
			Op:      opUploadFile,
			Kind:    KindUnknown,
			Message: "reading upload content",
			Err:     err,
		}
	}

	sha := ContentSHA1(data)

	c.logger.Info("uploading file",
		slog.String("name", name),
		slog.Int("size", len(data)),
		slog.String("sha1", sha),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lease.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("b2: creating upload request: %w", err)
	}

	req.ContentLength = int64(len(data))

	contentType := opts.ContentType
	if contentType == "" {
		contentType = AutoContentType
	}

	req.Header.Set("Authorization", lease.Token)
	req.Header.Set(headerFileName, EncodeFileName(name))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerContentSHA1, sha)
	setInfoHeaders(req.Header, opts)

	var fr fileResponse
	if err := c.doJSON(req, opUploadFile, &fr); err != nil {
		return nil, err
	}

	if fr.ContentSHA1 != nil && *fr.ContentSHA1 != sha {
		c.logger.Warn("server reported a different sha1",
			slog.String("name", fr.FileName),
			slog.String("sent", sha),
			slog.String("stored", *fr.ContentSHA1),
		)
	}

	f := fr.toFile()

	c.logger.Debug("upload complete",
		slog.String("file_id", f.ID),
		slog.String("name", f.Name),
	)

	return &f, nil
}

// setInfoHeaders writes X-Bz-Info-* headers in key order.
func setInfoHeaders(h http.Header, opts UploadOptions) {
	if !opts.LastModified.IsZero() {
		h.Set(headerInfoPrefix+infoLastModifiedMs, strconv.FormatInt(opts.LastModified.UnixMilli(), 10))
	}

	for _, k := range slices.Sorted(maps.Keys(opts.Info)) {
		h.Set(headerInfoPrefix+k, url.PathEscape(opts.Info[k]))
	}
}

// EncodeFileName prepares a file name for the X-Bz-File-Name header: NFC
// normalized, then percent-encoded with "/" left as is.
func EncodeFileName(name string) string {
	return strings.ReplaceAll(url.PathEscape(norm.NFC.String(name)), "%2F", "/")
}
