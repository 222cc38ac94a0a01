// Package control implements the request channel between supervisor
// clients and supervisors: one named pipe per service for stop and signal
// requests and a registration pipe through which start requests reach the
// master.
package control

import (
	"errors"
	"fmt"
	"strings"
)

// RegistrationName is the file name of the master's registration pipe
// inside the daemons directory.
const RegistrationName = "supervise-daemon"

// Kind discriminates control requests.
type Kind int

const (
	KindStart Kind = iota + 1
	KindStop
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	case KindSignal:
		return "signal"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	// ErrChannel is returned when the control pipe cannot be used.
	ErrChannel = errors.New("control channel unavailable")
	// ErrNoSignal is returned for a signal request without a signal.
	ErrNoSignal = errors.New("no signal given")
	// ErrBadRequest is returned for payloads that are not a known request.
	ErrBadRequest = errors.New("malformed control request")
)

// Request is a decoded control message.
type Request struct {
	Kind    Kind
	Service string
	// Signal is a name or number, only for KindSignal.
	Signal string
	// Reply names the acknowledgement pipe of a start request inside the
	// AckDir of the daemons directory. Empty when the client does not wait.
	Reply string
}

// Encode renders the newline terminated wire form: the service name
// (optionally followed by the reply pipe name) for a start, "stop", or
// "signal <sig>".
func (r Request) Encode() ([]byte, error) {
	switch r.Kind {
	case KindStart:
		if !validName(r.Service) {
			return nil, fmt.Errorf("%w: start service %q", ErrBadRequest, r.Service)
		}
		if r.Reply == "" {
			return []byte(r.Service + "\n"), nil
		}
		if !validName(r.Reply) {
			return nil, fmt.Errorf("%w: reply %q", ErrBadRequest, r.Reply)
		}
		return []byte(r.Service + " " + r.Reply + "\n"), nil
	case KindStop:
		return []byte("stop\n"), nil
	case KindSignal:
		sig := strings.TrimSpace(r.Signal)
		if sig == "" {
			return nil, ErrNoSignal
		}
		if strings.ContainsAny(sig, "\n\x00") {
			return nil, fmt.Errorf("%w: signal %q", ErrBadRequest, sig)
		}
		return []byte("signal " + sig + "\n"), nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrBadRequest, int(r.Kind))
}

// validName reports whether s can be used as a file name in the daemons
// directory.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/ \t\n\x00")
}

// ParseRequest decodes one payload line read from channel, which is either
// RegistrationName or the name of the service owning the pipe.
func ParseRequest(channel string, b []byte) (Request, error) {
	payload := strings.TrimSpace(string(b))
	if channel == RegistrationName {
		f := strings.Fields(payload)
		if len(f) == 0 || len(f) > 2 || !validName(f[0]) {
			return Request{}, fmt.Errorf("%w: registration %q", ErrBadRequest, payload)
		}
		r := Request{Kind: KindStart, Service: f[0]}
		if len(f) == 2 {
			if !validName(f[1]) {
				return Request{}, fmt.Errorf("%w: reply %q", ErrBadRequest, f[1])
			}
			r.Reply = f[1]
		}
		return r, nil
	}
	switch {
	case payload == "stop":
		return Request{Kind: KindStop, Service: channel}, nil
	case payload == "signal":
		return Request{}, ErrNoSignal
	case strings.HasPrefix(payload, "signal "):
		sig := strings.TrimSpace(strings.TrimPrefix(payload, "signal "))
		if sig == "" {
			return Request{}, ErrNoSignal
		}
		return Request{Kind: KindSignal, Service: channel, Signal: sig}, nil
	}
	return Request{}, fmt.Errorf("%w: %q", ErrBadRequest, payload)
}
