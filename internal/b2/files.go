package b2

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// maxFileCountLimit is the largest page b2_list_file_names returns.
const maxFileCountLimit = 10000

// ListFileNamesOptions selects a page of b2_list_file_names. Zero values
// are omitted from the query.
type ListFileNamesOptions struct {
	StartFileName string
	MaxFileCount  int
	Prefix        string
	Delimiter     string
}

type listFileNamesResponse struct {
	Files        []fileResponse `json:"files"`
	NextFileName *string        `json:"nextFileName"`
}

// ListFileNames returns one page of file names in bucketID, plus the name
// to start the next page from ("" when the listing is complete).
func (c *Client) ListFileNames(
	ctx context.Context, bucketID string, opts ListFileNamesOptions,
) ([]File, string, error) {
	q := url.Values{}
	q.Set("bucketId", bucketID)

	if opts.StartFileName != "" {
		q.Set("startFileName", opts.StartFileName)
	}

	if opts.MaxFileCount > 0 {
		q.Set("maxFileCount", strconv.Itoa(min(opts.MaxFileCount, maxFileCountLimit)))
	}

	if opts.Prefix != "" {
		q.Set("prefix", opts.Prefix)
	}

	if opts.Delimiter != "" {
		q.Set("delimiter", opts.Delimiter)
	}

	var lr listFileNamesResponse
	if err := c.api(ctx, http.MethodGet, opListFileNames, q, nil, &lr); err != nil {
		return nil, "", err
	}

	files := make([]File, 0, len(lr.Files))
	for i := range lr.Files {
		files = append(files, lr.Files[i].toFile())
	}

	next := deref(lr.NextFileName)

	c.logger.Debug("listed file names",
		slog.String("bucket_id", bucketID),
		slog.Int("count", len(files)),
		slog.String("next", next),
	)

	return files, next, nil
}

// ListAllFileNames follows nextFileName until the listing is exhausted.
// opts.StartFileName is used for the first page only.
func (c *Client) ListAllFileNames(ctx context.Context, bucketID string, opts ListFileNamesOptions) ([]File, error) {
	var all []File

	for {
		page, next, err := c.ListFileNames(ctx, bucketID, opts)
		if err != nil {
			return nil, err
		}

		all = append(all, page...)

		if next == "" {
			return all, nil
		}

		opts.StartFileName = next
	}
}
