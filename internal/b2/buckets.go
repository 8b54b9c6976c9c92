package b2

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
)

// ErrBucketNotFound is returned by Client.Bucket when no bucket has the
// requested name.
var ErrBucketNotFound = errors.New("b2: bucket not found")

// Bucket is a bucket visible to the authorized account.
type Bucket struct {
	AccountID string
	ID        string
	Name      string
	Type      string
}

// ListBucketsOptions filters b2_list_buckets. Empty fields are omitted.
type ListBucketsOptions struct {
	BucketID    string
	BucketName  string
	BucketTypes []string
}

type listBucketsRequest struct {
	AccountID   string   `json:"accountId"`
	BucketID    string   `json:"bucketId,omitempty"`
	BucketName  string   `json:"bucketName,omitempty"`
	BucketTypes []string `json:"bucketTypes,omitempty"`
}

type listBucketsResponse struct {
	Buckets []struct {
		AccountID  string `json:"accountId"`
		BucketID   string `json:"bucketId"`
		BucketName string `json:"bucketName"`
		BucketType string `json:"bucketType"`
	} `json:"buckets"`
}

// ListBuckets lists the account's buckets matching opts.
func (c *Client) ListBuckets(ctx context.Context, opts ListBucketsOptions) ([]Bucket, error) {
	s, err := c.session.GetOrAuthorize(ctx)
	if err != nil {
		return nil, err
	}

	req := listBucketsRequest{
		AccountID:   s.AccountID,
		BucketID:    opts.BucketID,
		BucketName:  opts.BucketName,
		BucketTypes: opts.BucketTypes,
	}

	var lr listBucketsResponse
	if err := c.api(ctx, http.MethodPost, opListBuckets, nil, req, &lr); err != nil {
		return nil, err
	}

	buckets := make([]Bucket, 0, len(lr.Buckets))
	for _, b := range lr.Buckets {
		buckets = append(buckets, Bucket{
			AccountID: b.AccountID,
			ID:        b.BucketID,
			Name:      b.BucketName,
			Type:      b.BucketType,
		})
	}

	c.logger.Debug("listed buckets", slog.Int("count", len(buckets)))

	return buckets, nil
}

// Bucket looks up a bucket by exact name. Returns ErrBucketNotFound when
// the account has no such bucket.
func (c *Client) Bucket(ctx context.Context, name string) (*Bucket, error) {
	buckets, err := c.ListBuckets(ctx, ListBucketsOptions{BucketName: name})
	if err != nil {
		return nil, err
	}

	for i := range buckets {
		if buckets[i].Name == name {
			return &buckets[i], nil
		}
	}

	return nil, ErrBucketNotFound
}
