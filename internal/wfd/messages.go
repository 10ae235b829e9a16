package wfd

import (
	"fmt"
	"strings"

	"github.com/albfan/miraclecast/internal/rtsp"
)

// MessageID names the seventeen WFD session messages.
type MessageID int

const (
	idUnknown MessageID = iota
	idM1SourceOptions
	idM2SinkOptions
	idM3GetParameter
	idM4SetParameter
	idM5Trigger
	idM6Setup
	idM7Play
	idM8Teardown
	idM9Pause
	idM10SetRoute
	idM11SetConnectorType
	idM12SetStandby
	idM13RequestIDR
	idM14EstablishUIBC
	idM15EnableUIBC
	idM16Keepalive
)

var messageNames = []string{
	"UNKNOWN",
	"OPTIONS(src->sink)",
	"OPTIONS(sink->src)",
	"GET_PARAM",
	"SET_PARAM",
	"SET_PARAM(wfd-trigger-method)",
	"SETUP",
	"PLAY",
	"TEARDOWN",
	"PAUSE",
	"SET_PARAM(wfd-route)",
	"SET_PARAM(wfd-connector-type)",
	"SET_PARAM(wfd-standby)",
	"SET_PARAM(wfd-idr-request)",
	"SET_PARAM(wfd-uibc-capability)",
	"SET_PARAM(wfd-uibc-setting)",
	"GET_PARAM(keepalive)",
}

func (id MessageID) String() string {
	if id > idUnknown && id <= idM16Keepalive {
		return fmt.Sprintf("%s (M%d)", messageNames[id], int(id))
	}
	return messageNames[0]
}

// requestArgs carries bindings from a dispatch rule into a request builder.
type requestArgs map[string]string

// postRule is the declarative outcome of a handled message: an optional
// follow-up request and an optional state transition, applied atomically
// after the handler.
type postRule struct {
	nextRequest MessageID
	newState    SessionState
	requestArgs requestArgs
}

// stateKeep marks "no transition" in a rule.
const stateKeep SessionState = -1

// dispatchEntry ties one message id to its three optional hooks and rule.
type dispatchEntry struct {
	request       func(s *Session, args requestArgs) (*rtsp.Message, error)
	handleRequest func(s *Session, req *rtsp.Message) (*rtsp.Message, error)
	handleReply   func(s *Session, rep *rtsp.Message) error
	rule          postRule
}

// keepRule is the zero rule with the state sentinel set.
func keepRule() postRule {
	return postRule{newState: stateKeep}
}

// classifyLocked maps an inbound message onto its WFD id. Body-keyed
// SET_PARAMETER classification follows the method/body rules of the WFD
// session protocol; an OPTIONS message depends on who initiated the
// session and whether it is a request or a reply.
func (s *Session) classifyLocked(m *rtsp.Message) MessageID {
	method := m.Method()
	if method == "" && m.Type() != rtsp.TypeReply {
		return idUnknown
	}

	switch method {
	case "SET_PARAMETER":
		if m.HasParameter("wfd_trigger_method") {
			return idM5Trigger
		}
		if m.HasParameter("wfd_route") {
			return idM10SetRoute
		}
		if m.HasParameter("wfd_connector_type") {
			return idM11SetConnectorType
		}
		if m.HasParameter("wfd_uibc_setting") {
			return idM15EnableUIBC
		}
		if strings.HasPrefix(m.Body(), "wfd_standby") {
			return idM12SetStandby
		}
		if strings.HasPrefix(m.Body(), "wfd_idr_request") {
			return idM13RequestIDR
		}
		if s.state == StateCapsExchanging {
			return idM4SetParameter
		}
		if m.HasParameter("wfd_uibc_capability") {
			return idM14EstablishUIBC
		}
		return idUnknown

	case "OPTIONS":
		if s.dir == DirOut {
			if m.Type() == rtsp.TypeReply {
				return idM1SourceOptions
			}
			return idM2SinkOptions
		}
		if m.Type() == rtsp.TypeReply {
			return idM2SinkOptions
		}
		return idM1SourceOptions

	case "GET_PARAMETER":
		if m.BodySize() > 0 {
			return idM3GetParameter
		}
		return idM16Keepalive

	case "SETUP":
		return idM6Setup
	case "PLAY":
		return idM7Play
	case "TEARDOWN":
		return idM8Teardown
	case "PAUSE":
		return idM9Pause
	}

	return idUnknown
}

// wfdMethods is the capability list answered to an OPTIONS probe.
const wfdMethods = "org.wfa.wfd1.0, GET_PARAMETER, SET_PARAMETER, SETUP, PLAY, TEARDOWN, PAUSE"

// outSessionDispatch is the message table of an outgoing session.
var outSessionDispatch = map[MessageID]*dispatchEntry{
	idM1SourceOptions: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			m := rtsp.NewRequest("OPTIONS", "*")
			m.SetHeader("Require", "org.wfa.wfd1.0")
			return m, nil
		},
		handleReply: func(s *Session, rep *rtsp.Message) error {
			if !strings.Contains(rep.Header("Public"), "org.wfa.wfd1.0") {
				return fmt.Errorf("%w: sink does not speak wfd1.0", ErrProtocol)
			}
			return nil
		},
		rule: postRule{nextRequest: idM3GetParameter, newState: stateKeep},
	},

	idM2SinkOptions: {
		handleRequest: func(s *Session, req *rtsp.Message) (*rtsp.Message, error) {
			rep := rtsp.NewReply(req, rtsp.StatusOK, "OK")
			rep.SetHeader("Public", wfdMethods)
			return rep, nil
		},
		rule: keepRule(),
	},

	idM3GetParameter: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			m := rtsp.NewRequest("GET_PARAMETER", "rtsp://localhost/wfd1.0")
			m.AppendParameter("wfd_video_formats")
			m.AppendParameter("wfd_audio_codecs")
			m.AppendParameter("wfd_client_rtp_ports")
			return m, nil
		},
		handleReply: func(s *Session, rep *rtsp.Message) error {
			s.mu.Lock()
			defer s.mu.Unlock()

			if v, ok := rep.Parameter("wfd_video_formats"); ok {
				s.videoFormats = v
			}
			if v, ok := rep.Parameter("wfd_audio_codecs"); ok {
				s.audioCodecs = v
			}
			if v, ok := rep.Parameter("wfd_client_rtp_ports"); ok {
				if _, err := fmt.Sscanf(v, "RTP/AVP/UDP;unicast %d %d", &s.rtpPorts[0], &s.rtpPorts[1]); err != nil {
					// Bare port pair without the profile prefix.
					if _, err := fmt.Sscanf(v, "%d %d", &s.rtpPorts[0], &s.rtpPorts[1]); err != nil {
						return fmt.Errorf("%w: wfd_client_rtp_ports %q", ErrProtocol, v)
					}
				}
			}
			return nil
		},
		rule: postRule{nextRequest: idM4SetParameter, newState: StateEstablished},
	},

	idM4SetParameter: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			m := rtsp.NewRequest("SET_PARAMETER", "rtsp://localhost/wfd1.0")
			if s.videoFormats != "" {
				m.AppendParameterValue("wfd_video_formats", s.videoFormats)
			}
			if s.audioCodecs != "" {
				m.AppendParameterValue("wfd_audio_codecs", s.audioCodecs)
			}
			m.AppendParameterValue("wfd_presentation_URL", s.genStreamURLLocked()+" none")
			m.AppendParameterValue("wfd_client_rtp_ports",
				fmt.Sprintf("RTP/AVP/UDP;unicast %d %d mode=play", s.rtpPorts[0], s.rtpPorts[1]))
			return m, nil
		},
		handleRequest: func(s *Session, req *rtsp.Message) (*rtsp.Message, error) {
			// An incoming M4 only happens on the sink side of the
			// exchange; answer politely either way.
			return rtsp.NewReply(req, rtsp.StatusOK, "OK"), nil
		},
		rule: keepRule(),
	},

	idM5Trigger: {
		request: func(s *Session, args requestArgs) (*rtsp.Message, error) {
			method := args["method"]
			if method == "" {
				return nil, fmt.Errorf("%w: trigger needs a method", ErrInvalidArgument)
			}
			m := rtsp.NewRequest("SET_PARAMETER", "rtsp://localhost/wfd1.0")
			m.AppendParameterValue("wfd_trigger_method", method)
			return m, nil
		},
		handleRequest: func(s *Session, req *rtsp.Message) (*rtsp.Message, error) {
			trigger, _ := req.Parameter("wfd_trigger_method")

			s.mu.Lock()
			switch strings.ToUpper(strings.TrimSpace(trigger)) {
			case "SETUP":
				s.pendingTrigger = idM6Setup
			case "PLAY":
				s.pendingTrigger = idM7Play
			case "TEARDOWN":
				s.pendingTrigger = idM8Teardown
				s.setStateLocked(StateTearingDown)
			case "PAUSE":
				s.pendingTrigger = idM9Pause
			default:
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: trigger %q", ErrProtocol, trigger)
			}
			s.mu.Unlock()

			return rtsp.NewReply(req, rtsp.StatusOK, "OK"), nil
		},
		rule: keepRule(),
	},

	idM6Setup: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			m := rtsp.NewRequest("SETUP", s.genStreamURLLocked())
			m.SetHeader("Transport",
				fmt.Sprintf("RTP/AVP/UDP;unicast;client_port=%d", s.rtpPorts[0]))
			return m, nil
		},
		handleReply: func(s *Session, rep *rtsp.Message) error {
			sess := rep.Header("Session")
			if sess == "" {
				return fmt.Errorf("%w: SETUP reply without session", ErrProtocol)
			}
			s.mu.Lock()
			// A timeout suffix ("12345;timeout=30") is not part of the id.
			s.rtspSession = strings.SplitN(sess, ";", 2)[0]
			s.mu.Unlock()
			return nil
		},
		rule: postRule{nextRequest: idM7Play, newState: StateSettingUp},
	},

	idM7Play: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			m := rtsp.NewRequest("PLAY", s.streamURL)
			if s.rtspSession != "" {
				m.SetHeader("Session", s.rtspSession)
			}
			return m, nil
		},
		rule: postRule{newState: StatePlaying},
	},

	idM8Teardown: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			s.setStateLocked(StateTearingDown)
			m := rtsp.NewRequest("TEARDOWN", s.streamURL)
			if s.rtspSession != "" {
				m.SetHeader("Session", s.rtspSession)
			}
			return m, nil
		},
		handleRequest: func(s *Session, req *rtsp.Message) (*rtsp.Message, error) {
			s.mu.Lock()
			s.setStateLocked(StateTearingDown)
			s.mu.Unlock()
			s.scheduleDestroy()
			return rtsp.NewReply(req, rtsp.StatusOK, "OK"), nil
		},
		handleReply: func(s *Session, rep *rtsp.Message) error {
			s.scheduleDestroy()
			return nil
		},
		rule: keepRule(),
	},

	idM9Pause: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			s.mu.Lock()
			defer s.mu.Unlock()

			m := rtsp.NewRequest("PAUSE", s.streamURL)
			if s.rtspSession != "" {
				m.SetHeader("Session", s.rtspSession)
			}
			return m, nil
		},
		rule: postRule{newState: StatePaused},
	},

	idM10SetRoute: {
		handleRequest: okHandler,
		rule:          keepRule(),
	},

	idM11SetConnectorType: {
		handleRequest: okHandler,
		rule:          keepRule(),
	},

	idM12SetStandby: {
		handleRequest: okHandler,
		rule:          keepRule(),
	},

	idM13RequestIDR: {
		handleRequest: okHandler,
		rule:          keepRule(),
	},

	idM14EstablishUIBC: {
		handleRequest: okHandler,
		rule:          keepRule(),
	},

	idM15EnableUIBC: {
		handleRequest: okHandler,
		rule:          keepRule(),
	},

	idM16Keepalive: {
		request: func(s *Session, _ requestArgs) (*rtsp.Message, error) {
			return rtsp.NewRequest("GET_PARAMETER", "rtsp://localhost/wfd1.0"), nil
		},
		handleRequest: okHandler,
		rule:          keepRule(),
	},
}

// okHandler acknowledges a request the session has no further business
// with.
func okHandler(s *Session, req *rtsp.Message) (*rtsp.Message, error) {
	return rtsp.NewReply(req, rtsp.StatusOK, "OK"), nil
}
