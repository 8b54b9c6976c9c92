package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/b2-go/internal/b2"
	"github.com/tonimelisma/b2-go/internal/config"
	"github.com/tonimelisma/b2-go/internal/keyfile"
)

// errNotLoggedIn is returned when neither the environment nor a key file
// provides credentials.
var errNotLoggedIn = errors.New("not logged in: run 'b2-go login' or set " +
	config.EnvKeyID + " and " + config.EnvApplicationKey)

// Key file metadata keys written at login.
const (
	metaAccountID = "account_id"
	metaAPIURL    = "api_url"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Validate an application key and save it",
		Long: `Authorize an application key against B2 and save it to the key file.

The key ID comes from --key-id or ` + config.EnvKeyID + `. The secret comes
from ` + config.EnvApplicationKey + ` or, when unset, the first line of stdin.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().String("key-id", "", "application key ID")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved application key",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Authorize and display the account behind the current key",
		Args:  cobra.NoArgs,
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	keyID, err := cmd.Flags().GetString("key-id")
	if err != nil {
		return err
	}

	if keyID == "" {
		keyID = cc.Cfg.KeyID
	}

	if keyID == "" {
		return fmt.Errorf("no key ID: pass --key-id or set %s", config.EnvKeyID)
	}

	secret := cc.Cfg.ApplicationKey
	if secret == "" {
		cc.Statusf("Application key: ")

		secret, err = readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	cc.Logger.Info("login started", slog.String("key_id", keyID))

	client := newB2Client(cc, b2.ApplicationKey{ID: keyID, Secret: secret})

	session, err := client.Session(cmd.Context())
	if err != nil {
		return fmt.Errorf("authorizing key: %w", err)
	}

	err = keyfile.Save(cc.Cfg.KeyFile, &keyfile.File{
		KeyID:          keyID,
		ApplicationKey: secret,
		Meta: map[string]string{
			metaAccountID: session.AccountID,
			metaAPIURL:    session.APIURL,
		},
	})
	if err != nil {
		return err
	}

	cc.Logger.Info("login successful", slog.String("account_id", session.AccountID))
	cc.Statusf("Logged in to account %s. Key saved to %s\n", session.AccountID, cc.Cfg.KeyFile)

	return nil
}

// readSecret reads the first non-empty line from r.
func readSecret(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading application key: %w", err)
	}

	return "", fmt.Errorf("no application key on stdin and %s is not set", config.EnvApplicationKey)
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	removed, err := keyfile.Remove(cc.Cfg.KeyFile)
	if err != nil {
		return err
	}

	if !removed {
		cc.Statusf("No saved key at %s\n", cc.Cfg.KeyFile)
		return nil
	}

	cc.Logger.Info("logout: key file removed", slog.String("path", cc.Cfg.KeyFile))
	cc.Statusf("Removed %s\n", cc.Cfg.KeyFile)

	return nil
}

// whoamiJSON is the JSON output schema for whoami.
type whoamiJSON struct {
	AccountID           string       `json:"account_id"`
	APIURL              string       `json:"api_url"`
	DownloadURL         string       `json:"download_url"`
	RecommendedPartSize int64        `json:"recommended_part_size"`
	Capabilities        []string     `json:"capabilities"`
	AllowedBuckets      []bucketJSON `json:"allowed_buckets,omitempty"`
	NamePrefix          string       `json:"name_prefix,omitempty"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	client, err := clientFromConfig(cc)
	if err != nil {
		return err
	}

	session, err := client.Session(cmd.Context())
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		allowed := make([]bucketJSON, 0, len(session.AllowedBuckets))
		for _, b := range session.AllowedBuckets {
			allowed = append(allowed, bucketJSON{ID: b.ID, Name: b.Name})
		}

		return printJSON(os.Stdout, whoamiJSON{
			AccountID:           session.AccountID,
			APIURL:              session.APIURL,
			DownloadURL:         session.DownloadURL,
			RecommendedPartSize: session.RecommendedPartSize,
			Capabilities:        session.Capabilities,
			AllowedBuckets:      allowed,
			NamePrefix:          session.NamePrefix,
		})
	}

	printWhoamiText(os.Stdout, &session)

	return nil
}

func printWhoamiText(w io.Writer, s *b2.Session) {
	fmt.Fprintf(w, "Account:       %s\n", s.AccountID)
	fmt.Fprintf(w, "API URL:       %s\n", s.APIURL)
	fmt.Fprintf(w, "Download URL:  %s\n", s.DownloadURL)
	fmt.Fprintf(w, "Part size:     %s\n", formatSize(s.RecommendedPartSize))
	fmt.Fprintf(w, "Capabilities:  %s\n", strings.Join(s.Capabilities, ", "))

	for _, b := range s.AllowedBuckets {
		fmt.Fprintf(w, "Bucket:        %s (%s)\n", b.Name, b.ID)
	}

	if s.NamePrefix != "" {
		fmt.Fprintf(w, "Name prefix:   %s\n", s.NamePrefix)
	}
}

// resolveKey picks credentials: the environment when both variables are
// set, otherwise the key file.
func resolveKey(cfg *config.Resolved) (b2.ApplicationKey, error) {
	if cfg.KeyID != "" && cfg.ApplicationKey != "" {
		return b2.ApplicationKey{ID: cfg.KeyID, Secret: cfg.ApplicationKey}, nil
	}

	kf, err := keyfile.Load(cfg.KeyFile)
	if err != nil {
		return b2.ApplicationKey{}, err
	}

	if kf == nil {
		return b2.ApplicationKey{}, errNotLoggedIn
	}

	return b2.ApplicationKey{ID: kf.KeyID, Secret: kf.ApplicationKey}, nil
}

func newB2Client(cc *CLIContext, key b2.ApplicationKey) *b2.Client {
	return b2.NewClient(cc.Cfg.APIURL, newHTTPClient(cc.Cfg), key, cc.Logger, userAgent(cc.Cfg))
}

// clientFromConfig builds a client from the resolved credentials.
func clientFromConfig(cc *CLIContext) (*b2.Client, error) {
	key, err := resolveKey(cc.Cfg)
	if err != nil {
		return nil, err
	}

	return newB2Client(cc, key), nil
}

// resolveBucket looks a bucket up by name.
func resolveBucket(ctx context.Context, client *b2.Client, name string) (*b2.Bucket, error) {
	bucket, err := client.Bucket(ctx, name)
	if errors.Is(err, b2.ErrBucketNotFound) {
		return nil, fmt.Errorf("bucket %q not found", name)
	}

	if err != nil {
		return nil, fmt.Errorf("looking up bucket %q: %w", name, err)
	}

	return bucket, nil
}
