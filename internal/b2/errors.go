// Package b2 provides an HTTP client for the Backblaze B2 native API with
// cached account authorization, per-bucket upload URL leasing, SHA-1
// checked uploads, and error classification.
package b2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
)

// Kind is the closed set of failure categories every client operation
// reports. New API error codes map onto an existing Kind via codeKinds.
type Kind int

const (
	KindUnknown Kind = iota
	KindBadAuthToken
	KindExpiredAuthToken
	KindBadBucketID
	KindBadRequest
	KindUnauthorized
	KindUnsupported
	KindTransactionCapExceeded
	KindConnect
	KindTimeout
	KindDeserialize
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindBadAuthToken:           "bad_auth_token",
	KindExpiredAuthToken:       "expired_auth_token",
	KindBadBucketID:            "bad_bucket_id",
	KindBadRequest:             "bad_request",
	KindUnauthorized:           "unauthorized",
	KindUnsupported:            "unsupported",
	KindTransactionCapExceeded: "transaction_cap_exceeded",
	KindConnect:                "connect",
	KindTimeout:                "timeout",
	KindDeserialize:            "deserialize",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors, one per Kind. Use errors.Is(err, b2.ErrExpiredAuthToken)
// to check.
var (
	ErrUnknown                = errors.New("b2: unknown error")
	ErrBadAuthToken           = errors.New("b2: bad auth token")
	ErrExpiredAuthToken       = errors.New("b2: expired auth token")
	ErrBadBucketID            = errors.New("b2: bad bucket id")
	ErrBadRequest             = errors.New("b2: bad request")
	ErrUnauthorized           = errors.New("b2: unauthorized")
	ErrUnsupported            = errors.New("b2: unsupported")
	ErrTransactionCapExceeded = errors.New("b2: transaction cap exceeded")
	ErrConnect                = errors.New("b2: connection failed")
	ErrTimeout                = errors.New("b2: timed out")
	ErrDeserialize            = errors.New("b2: malformed response")
)

var kindSentinels = map[Kind]error{
	KindUnknown:                ErrUnknown,
	KindBadAuthToken:           ErrBadAuthToken,
	KindExpiredAuthToken:       ErrExpiredAuthToken,
	KindBadBucketID:            ErrBadBucketID,
	KindBadRequest:             ErrBadRequest,
	KindUnauthorized:           ErrUnauthorized,
	KindUnsupported:            ErrUnsupported,
	KindTransactionCapExceeded: ErrTransactionCapExceeded,
	KindConnect:                ErrConnect,
	KindTimeout:                ErrTimeout,
	KindDeserialize:            ErrDeserialize,
}

// codeKinds maps API error codes to kinds. Codes not listed here classify
// as KindUnknown with a warning, so adding an entry never breaks callers.
var codeKinds = map[string]Kind{
	"bad_auth_token":           KindBadAuthToken,
	"expired_auth_token":       KindExpiredAuthToken,
	"bad_bucket_id":            KindBadBucketID,
	"bad_request":              KindBadRequest,
	"unauthorized":             KindUnauthorized,
	"unsupported":              KindUnsupported,
	"transaction_cap_exceeded": KindTransactionCapExceeded,
}

// fixedMessages is used when no server message is available.
var fixedMessages = map[Kind]string{
	KindConnect:     "could not connect",
	KindTimeout:     "timed out",
	KindDeserialize: "invalid or malformed response",
	KindUnknown:     "unknown error related to communication",
}

// Error is a classified failure. Status and Code are set only when the
// server answered with an error body; Err holds the underlying transport
// or decode error, if any.
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	op := e.Op
	if op == "" {
		op = "request"
	}

	if e.Status != 0 {
		return fmt.Sprintf("b2: %s: HTTP %d (%s): %s", op, e.Status, e.Code, e.Message)
	}

	if e.Err != nil {
		return fmt.Sprintf("b2: %s: %s: %v", op, e.Message, e.Err)
	}

	return fmt.Sprintf("b2: %s: %s", op, e.Message)
}

// Unwrap exposes both the kind sentinel and the underlying error, so
// errors.Is works for b2.ErrTimeout as well as context.DeadlineExceeded.
func (e *Error) Unwrap() []error {
	sentinel := kindSentinels[e.Kind]
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}

	return []error{sentinel}
}

// KindOf returns the Kind of a classified error, or KindUnknown when err
// is not (and does not wrap) an *Error.
func KindOf(err error) Kind {
	var b2Err *Error
	if errors.As(err, &b2Err) {
		return b2Err.Kind
	}

	return KindUnknown
}

// IsAuthError reports whether err means the token used for the request is
// no longer accepted and a fresh one is needed.
func IsAuthError(err error) bool {
	switch KindOf(err) {
	case KindBadAuthToken, KindExpiredAuthToken:
		return true
	default:
		return false
	}
}

// errorResponse is the JSON body B2 returns with every 4xx/5xx status.
type errorResponse struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Classify reads and closes the body of an error response and maps it to
// an *Error. A body that is not a B2 error document classifies as
// KindDeserialize.
func Classify(resp *http.Response, logger *slog.Logger) *Error {
	if logger == nil {
		logger = slog.Default()
	}

	defer resp.Body.Close()

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		e := classifyDecode(err)
		e.Status = resp.StatusCode

		return e
	}

	if er.Status == 0 {
		er.Status = resp.StatusCode
	}

	return classifyBody(er, logger)
}

// classifyBody maps a decoded error document through codeKinds.
func classifyBody(er errorResponse, logger *slog.Logger) *Error {
	kind, ok := codeKinds[er.Code]
	if !ok {
		logger.Warn("encountered unknown error code",
			slog.String("code", er.Code),
			slog.Int("status", er.Status),
		)

		kind = KindUnknown
	}

	msg := er.Message
	if msg == "" {
		msg = defaultMessage(kind)
	}

	return &Error{
		Kind:    kind,
		Status:  er.Status,
		Code:    er.Code,
		Message: msg,
	}
}

// classifyTransport maps a failed http.Client.Do call. No response body
// exists, so the message is fixed per kind.
func classifyTransport(err error) *Error {
	kind := transportKind(err)

	return &Error{
		Kind:    kind,
		Message: defaultMessage(kind),
		Err:     err,
	}
}

// classifyDecode maps a failure while reading or decoding a response body.
// A timeout mid-body is still a timeout; anything else is a bad document.
func classifyDecode(err error) *Error {
	kind := KindDeserialize
	if tk := transportKind(err); tk == KindTimeout || tk == KindConnect {
		kind = tk
	}

	return &Error{
		Kind:    kind,
		Message: defaultMessage(kind),
		Err:     err,
	}
}

func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindConnect
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnect
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return KindConnect
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindDeserialize
	}

	return KindUnknown
}

func defaultMessage(kind Kind) string {
	if msg, ok := fixedMessages[kind]; ok {
		return msg
	}

	return kind.String()
}
