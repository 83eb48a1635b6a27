package errs

import (
	"github.com/pkg/errors"
)

// Kind classifies client-side faults. Nothing here is fatal: transport and
// protocol faults feed the reconnect loop, decode and misuse faults are
// logged and dropped at the call site.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindProtocol
	KindDecode
	KindMisuse
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindDecode:
		return "decode"
	case KindMisuse:
		return "misuse"
	default:
		return "unknown"
	}
}

type Fault struct {
	Kind Kind
	err  error
}

func (f *Fault) Error() string { return f.Kind.String() + ": " + f.err.Error() }
func (f *Fault) Unwrap() error { return f.err }

func newf(k Kind, format string, args ...interface{}) error {
	return &Fault{Kind: k, err: errors.Errorf(format, args...)}
}

func wrap(k Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: k, err: errors.Wrap(err, msg)}
}

func Transport(err error, msg string) error { return wrap(KindTransport, err, msg) }
func Transportf(format string, args ...interface{}) error {
	return newf(KindTransport, format, args...)
}

func Protocol(err error, msg string) error { return wrap(KindProtocol, err, msg) }
func Protocolf(format string, args ...interface{}) error {
	return newf(KindProtocol, format, args...)
}

func Decode(err error, msg string) error { return wrap(KindDecode, err, msg) }
func Decodef(format string, args ...interface{}) error {
	return newf(KindDecode, format, args...)
}

func Misusef(format string, args ...interface{}) error {
	return newf(KindMisuse, format, args...)
}

// KindOf reports the fault kind of err, unwrapping as needed.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}

func Is(err error, k Kind) bool { return KindOf(err) == k }
