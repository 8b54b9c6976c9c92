// Package testutil provides shared test environment helpers for E2E tests.
// It depends only on stdlib so that E2E tests (which cannot import
// internal/) can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AllowedBucketsEnv lists the buckets live tests may write to.
const AllowedBucketsEnv = "B2_ALLOWED_TEST_BUCKETS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// ValidateAllowlist crashes the process unless the bucket named by
// bucketEnvVar appears in B2_ALLOWED_TEST_BUCKETS. Live tests upload real
// objects; a typo must not point them at a production bucket.
func ValidateAllowlist(bucketEnvVar string) string {
	allowlist := os.Getenv(AllowedBucketsEnv)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", AllowedBucketsEnv)
		fmt.Fprintln(os.Stderr, "Set it in .env or as an environment variable.")
		fmt.Fprintf(os.Stderr, "Example: %s=b2-go-e2e\n", AllowedBucketsEnv)
		os.Exit(1)
	}

	bucket := os.Getenv(bucketEnvVar)
	if bucket == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", bucketEnvVar)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == bucket {
			return bucket
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n",
		bucketEnvVar, bucket, AllowedBucketsEnv, allowlist)
	os.Exit(1)

	return ""
}

// RequireEnv crashes the process when any of the named variables is empty.
func RequireEnv(names ...string) {
	var missing []string

	for _, n := range names {
		if os.Getenv(n) == "" {
			missing = append(missing, n)
		}
	}

	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "FATAL: missing environment: %s\n", strings.Join(missing, ", "))
		os.Exit(1)
	}
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
