package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// Server errors.
var (
	ErrConfig        = errors.New("server configuration failed")
	ErrStartup       = errors.New("server failed to start")
	ErrQueryTimeout  = errors.New("query timed out")
	ErrProtocol      = errors.New("protocol error")
	ErrTransfer      = errors.New("zone transfer failed")
	ErrNotRunning    = errors.New("server is not running")
	ErrInvalidState  = errors.New("invalid server state")
	ErrUnknownFamily = errors.New("unknown server family")
)

// ConfigError reports an invalid server configuration.
type ConfigError struct {
	Server string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", ErrConfig, e.Server, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

// Unwrap lets errors.Is match both ErrConfig and the cause.
func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}

	return []error{ErrConfig, e.Err}
}

// StartupError reports a server that died or never became ready.
// Stdout and Stderr hold the tail of the captured process output.
type StartupError struct {
	Server   string
	Reason   string
	ExitCode int
	Exited   bool
	Stdout   string
	Stderr   string
	Err      error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s: %s", ErrStartup, e.Server, e.Reason)
	if e.Exited {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if tail := lastLine(e.Stderr); tail != "" {
		fmt.Fprintf(&b, ": stderr: %s", tail)
	}

	return b.String()
}

func (e *StartupError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStartup}
	}

	return []error{ErrStartup, e.Err}
}

// QueryTimeout reports a query that got no answer in time.
type QueryTimeout struct {
	Server string
	Name   string
	Type   uint16
}

func (e *QueryTimeout) Error() string {
	return fmt.Sprintf("%s: %s %s on %s", ErrQueryTimeout, e.Name, dns.TypeToString[e.Type], e.Server)
}

func (e *QueryTimeout) Unwrap() error {
	return ErrQueryTimeout
}

// ProtocolError reports a malformed or unexpected DNS response.
type ProtocolError struct {
	Server string
	Name   string
	Type   uint16
	Rcode  int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s %s on %s: %s", ErrProtocol, e.Name, dns.TypeToString[e.Type], e.Server, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}

	return []error{ErrProtocol, e.Err}
}

// TransferError reports a refused, malformed or interrupted zone transfer.
type TransferError struct {
	Server string
	Zone   string
	Type   uint16
	Rcode  int
	Err    error
}

func (e *TransferError) Error() string {
	kind := dns.TypeToString[e.Type]
	if kind == "" {
		kind = "transfer"
	}
	msg := fmt.Sprintf("%s: %s of %s from %s", ErrTransfer, kind, e.Zone, e.Server)
	if e.Rcode != dns.RcodeSuccess {
		msg += ": " + dns.RcodeToString[e.Rcode]
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransfer}
	}

	return []error{ErrTransfer, e.Err}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}

	return s
}
