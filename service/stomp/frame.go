package stomp

import (
	"bytes"
	"sort"
	"strings"

	"supportchat/tools/errs"
)

// STOMP 1.2 text frames. One frame per websocket message; a bare EOL is a
// heart-beat, not a frame.

type Command string

const (
	CommandConnect     Command = "CONNECT"
	CommandConnected   Command = "CONNECTED"
	CommandSend        Command = "SEND"
	CommandSubscribe   Command = "SUBSCRIBE"
	CommandUnsubscribe Command = "UNSUBSCRIBE"
	CommandMessage     Command = "MESSAGE"
	CommandReceipt     Command = "RECEIPT"
	CommandError       Command = "ERROR"
	CommandDisconnect  Command = "DISCONNECT"
)

// Standard header names used by this client.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderAuthorization = "Authorization"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderContentType   = "content-type"
	HeaderMessage       = "message"
)

var knownCommands = map[Command]bool{
	CommandConnect:     true,
	CommandConnected:   true,
	CommandSend:        true,
	CommandSubscribe:   true,
	CommandUnsubscribe: true,
	CommandMessage:     true,
	CommandReceipt:     true,
	CommandError:       true,
	CommandDisconnect:  true,
}

type Frame struct {
	Command Command
	Header  map[string]string
	Body    []byte
}

func NewFrame(cmd Command) *Frame {
	return &Frame{Command: cmd, Header: make(map[string]string)}
}

func (f *Frame) Set(k, v string) *Frame {
	f.Header[k] = v
	return f
}

func (f *Frame) Get(k string) string { return f.Header[k] }

// Heartbeat is the keep-alive signal both peers exchange.
var Heartbeat = []byte("\n")

func IsHeartbeat(raw []byte) bool {
	t := bytes.TrimRight(raw, "\r\n")
	return len(raw) > 0 && len(t) == 0
}

// CONNECT and CONNECTED frames are exchanged before escaping is negotiated,
// so their headers go over the wire verbatim.
func (f *Frame) escaped() bool {
	return f.Command != CommandConnect && f.Command != CommandConnected
}

var headerEscaper = strings.NewReplacer(
	`\`, `\\`,
	"\r", `\r`,
	"\n", `\n`,
	":", `\c`,
)

func unescapeHeader(s string) (string, error) {
	if !strings.ContainsRune(s, '\\') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		i++
		if i >= len(s) {
			return "", errs.Protocolf("dangling escape in header %q", s)
		}
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", errs.Protocolf("bad escape \\%c in header %q", s[i], s)
		}
	}
	return b.String(), nil
}

// Marshal renders the frame as a wire-ready byte slice. Header order is
// stable (sorted) so frames are reproducible.
func (f *Frame) Marshal() []byte {
	var b bytes.Buffer
	b.WriteString(string(f.Command))
	b.WriteByte('\n')

	keys := make([]string, 0, len(f.Header))
	for k := range f.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := f.Header[k]
		if f.escaped() {
			k = headerEscaper.Replace(k)
			v = headerEscaper.Replace(v)
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// Parse decodes one frame from raw. Heart-beats must be filtered out by the
// caller first (IsHeartbeat); leading EOLs from coalesced beats are skipped.
func Parse(raw []byte) (*Frame, error) {
	raw = bytes.TrimLeft(raw, "\r\n")
	if len(raw) == 0 {
		return nil, errs.Protocolf("empty frame")
	}

	head, body, found := bytes.Cut(raw, []byte("\n\n"))
	if !found {
		// tolerate \r\n line endings
		head, body, found = bytes.Cut(raw, []byte("\r\n\r\n"))
		if !found {
			return nil, errs.Protocolf("frame missing header terminator")
		}
	}

	lines := strings.Split(string(head), "\n")
	cmd := Command(strings.TrimRight(lines[0], "\r"))
	if !knownCommands[cmd] {
		return nil, errs.Protocolf("unknown command %q", string(cmd))
	}

	f := NewFrame(cmd)
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errs.Protocolf("malformed header line %q", line)
		}
		if f.escaped() {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return nil, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return nil, err
			}
		}
		// first occurrence wins
		if _, dup := f.Header[k]; !dup {
			f.Header[k] = v
		}
	}

	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	if len(body) > 0 {
		f.Body = body
	}
	return f, nil
}
