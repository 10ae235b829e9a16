// Package rtsp implements the RTSP message bus the Wi-Fi Display session
// engine drives: plain RTSP/1.0 framing with the small parameter-body
// dialect WFD uses (text/parameters payloads, CSeq correlation).
package rtsp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Errors of the codec and bus.
var (
	ErrMalformed = errors.New("rtsp: malformed message")
	ErrSealed    = errors.New("rtsp: message already sealed")
	ErrDead      = errors.New("rtsp: bus is dead")
	ErrCancelled = errors.New("rtsp: call cancelled")
)

// MessageType discriminates requests, replies, and raw data payloads.
type MessageType int

const (
	TypeRequest MessageType = iota
	TypeReply
	TypeData
)

const protoVersion = "RTSP/1.0"

// StatusOK is the only status the session engine ever accepts from a peer.
const StatusOK = 200

type header struct {
	name  string
	value string
}

// Message is one RTSP message. Build requests with NewRequest, replies with
// NewReply; Seal freezes the message and appends the protocol headers.
type Message struct {
	typ    MessageType
	method string
	uri    string
	code   int
	phrase string

	headers []header
	body    []byte
	cseq    int
	sealed  bool
}

// NewRequest creates an unsealed request message.
func NewRequest(method, uri string) *Message {
	return &Message{typ: TypeRequest, method: method, uri: uri}
}

// NewReply creates an unsealed reply correlated to req.
func NewReply(req *Message, code int, phrase string) *Message {
	return &Message{typ: TypeReply, code: code, phrase: phrase, cseq: req.cseq}
}

// NewDataMessage wraps a raw interleaved payload.
func NewDataMessage(payload []byte) *Message {
	return &Message{typ: TypeData, body: append([]byte{}, payload...)}
}

// Type returns the message type.
func (m *Message) Type() MessageType { return m.typ }

// Method returns the request method, empty for replies.
func (m *Message) Method() string { return m.method }

// URI returns the request URI.
func (m *Message) URI() string { return m.uri }

// Code returns the reply status code.
func (m *Message) Code() int { return m.code }

// Phrase returns the reply status phrase.
func (m *Message) Phrase() string { return m.phrase }

// CSeq returns the sequence number, zero before sealing.
func (m *Message) CSeq() int { return m.cseq }

// IsReply reports whether the message is a reply with the given code.
func (m *Message) IsReply(code int) bool {
	return m.typ == TypeReply && m.code == code
}

// SetHeader sets a header, replacing any previous value.
func (m *Message) SetHeader(name, value string) *Message {
	for i := range m.headers {
		if strings.EqualFold(m.headers[i].name, name) {
			m.headers[i].value = value
			return m
		}
	}
	m.headers = append(m.headers, header{name: name, value: value})
	return m
}

// Header returns a header value, empty when absent.
func (m *Message) Header(name string) string {
	for _, h := range m.headers {
		if strings.EqualFold(h.name, name) {
			return h.value
		}
	}
	return ""
}

// SetBody installs a payload; Seal will add Content-Length and
// Content-Type.
func (m *Message) SetBody(body string) *Message {
	m.body = []byte(body)
	return m
}

// Body returns the payload as a string.
func (m *Message) Body() string { return string(m.body) }

// BodySize returns the payload length.
func (m *Message) BodySize() int { return len(m.body) }

// --- text/parameters helpers ---

// AppendParameter appends a bare parameter name to the body (GET_PARAMETER
// dialect).
func (m *Message) AppendParameter(name string) *Message {
	m.appendLine(name)
	return m
}

// AppendParameterValue appends "name: value" to the body (SET_PARAMETER
// dialect).
func (m *Message) AppendParameterValue(name, value string) *Message {
	m.appendLine(name + ": " + value)
	return m
}

// AppendParameterInt appends an integer-valued parameter.
func (m *Message) AppendParameterInt(name string, value int32) *Message {
	return m.AppendParameterValue(name, strconv.FormatInt(int64(value), 10))
}

// AppendParameterUint appends an unsigned-valued parameter.
func (m *Message) AppendParameterUint(name string, value uint32) *Message {
	return m.AppendParameterValue(name, strconv.FormatUint(uint64(value), 10))
}

func (m *Message) appendLine(line string) {
	m.body = append(m.body, line...)
	m.body = append(m.body, '\r', '\n')
}

// Parameter looks up a body parameter by name, returning its value and
// whether the parameter is present at all.
func (m *Message) Parameter(name string) (string, bool) {
	for _, line := range strings.Split(string(m.body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == name {
			return "", true
		}
		if strings.HasPrefix(line, name+":") {
			return strings.TrimSpace(line[len(name)+1:]), true
		}
	}
	return "", false
}

// HasParameter reports whether a body parameter is present.
func (m *Message) HasParameter(name string) bool {
	_, ok := m.Parameter(name)
	return ok
}

// ParameterInt parses an integer body parameter.
func (m *Message) ParameterInt(name string) (int32, error) {
	v, ok := m.Parameter(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %q", ErrMalformed, name)
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: parameter %q: %v", ErrMalformed, name, err)
	}
	return int32(n), nil
}

// ParameterNames returns the body parameter names in order.
func (m *Message) ParameterNames() []string {
	var names []string
	for _, line := range strings.Split(string(m.body), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			names = append(names, line[:idx])
		} else {
			names = append(names, line)
		}
	}
	return names
}

// Seal freezes the message: the CSeq header is appended, and a body gets
// Content-Length and Content-Type. Sealing twice is an error.
func (m *Message) Seal(cseq int) error {
	if m.sealed {
		return ErrSealed
	}
	m.cseq = cseq
	m.SetHeader("CSeq", strconv.Itoa(cseq))
	if len(m.body) > 0 {
		m.SetHeader("Content-Type", "text/parameters")
		m.SetHeader("Content-Length", strconv.Itoa(len(m.body)))
	}
	m.sealed = true
	return nil
}

// Sealed reports whether Seal ran.
func (m *Message) Sealed() bool { return m.sealed }

// Marshal renders the canonical wire form. Requests and replies end every
// line with CRLF; the head is separated from the body by a blank line.
func (m *Message) Marshal() []byte {
	var buf bytes.Buffer

	switch m.typ {
	case TypeRequest:
		fmt.Fprintf(&buf, "%s %s %s\r\n", m.method, m.uri, protoVersion)
	case TypeReply:
		fmt.Fprintf(&buf, "%s %d %s\r\n", protoVersion, m.code, m.phrase)
	case TypeData:
		return append([]byte{}, m.body...)
	}

	for _, h := range m.headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.name, h.value)
	}
	buf.WriteString("\r\n")
	buf.Write(m.body)
	return buf.Bytes()
}

// String renders the message for logging, headers sorted for stability.
func (m *Message) String() string {
	cp := *m
	cp.headers = append([]header{}, m.headers...)
	sort.SliceStable(cp.headers, func(i, j int) bool { return cp.headers[i].name < cp.headers[j].name })
	return string(cp.Marshal())
}

// Parse decodes one complete message (head plus body). The caller is
// responsible for framing (see Bus).
func Parse(head []byte, body []byte) (*Message, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("%w: empty head", ErrMalformed)
	}

	m := &Message{body: body, sealed: true}

	first := lines[0]
	if strings.HasPrefix(first, protoVersion+" ") {
		m.typ = TypeReply
		rest := strings.SplitN(first[len(protoVersion)+1:], " ", 2)
		code, err := strconv.Atoi(rest[0])
		if err != nil {
			return nil, fmt.Errorf("%w: status %q", ErrMalformed, rest[0])
		}
		m.code = code
		if len(rest) == 2 {
			m.phrase = rest[1]
		}
	} else {
		parts := strings.Split(first, " ")
		if len(parts) != 3 || parts[2] != protoVersion {
			return nil, fmt.Errorf("%w: request line %q", ErrMalformed, first)
		}
		m.typ = TypeRequest
		m.method = parts[0]
		m.uri = parts[1]
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("%w: header %q", ErrMalformed, line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		m.headers = append(m.headers, header{name: name, value: value})
	}

	if cseq := m.Header("CSeq"); cseq != "" {
		n, err := strconv.Atoi(cseq)
		if err != nil {
			return nil, fmt.Errorf("%w: CSeq %q", ErrMalformed, cseq)
		}
		m.cseq = n
	}

	return m, nil
}
