package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated summary
// to w. This powers the "config show" command. Secrets are never printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[account]\n")
	ew.printf("  api_url  = %q\n", r.APIURL)
	ew.printf("  key_file = %q\n", r.KeyFile)

	if r.KeyID != "" {
		ew.printf("  # key id from %s = %q\n", EnvKeyID, r.KeyID)
	}

	ew.printf("\n[network]\n")
	ew.printf("  connect_timeout = %q\n", r.ConnectTimeout.String())
	ew.printf("  data_timeout    = %q\n", r.DataTimeout.String())

	if r.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", r.UserAgent)
	}

	ew.printf("\n[transfers]\n")
	ew.printf("  parallel_uploads    = %d\n", r.ParallelUploads)
	ew.printf("  skip_unchanged      = %t\n", r.SkipUnchanged)
	ew.printf("  max_file_size       = %d\n", r.MaxFileSize)
	ew.printf("  detect_content_type = %t\n", r.DetectContentType)

	ew.printf("\n[logging]\n")
	ew.printf("  log_level  = %q\n", r.Logging.LogLevel)
	ew.printf("  log_format = %q\n", r.Logging.LogFormat)

	if r.Logging.LogFile != "" {
		ew.printf("  log_file   = %q\n", r.Logging.LogFile)
	}

	ew.printf("\n[history]\n")
	ew.printf("  enabled = %t\n", r.HistoryEnabled)
	ew.printf("  db_path = %q\n", r.HistoryPath)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
