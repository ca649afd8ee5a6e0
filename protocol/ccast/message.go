package ccast

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	nsConnection = `urn:x-cast:com.google.cast.tp.connection`
	nsHeartbeat  = `urn:x-cast:com.google.cast.tp.heartbeat`
	nsReceiver   = `urn:x-cast:com.google.cast.receiver`

	platformReceiver = `receiver-0`

	msgConnect        = `CONNECT`
	msgClose          = `CLOSE`
	msgPing           = `PING`
	msgPong           = `PONG`
	msgGetStatus      = `GET_STATUS`
	msgLaunch         = `LAUNCH`
	msgStop           = `STOP`
	msgReceiverStatus = `RECEIVER_STATUS`
	msgLaunchError    = `LAUNCH_ERROR`
)

// CastMessage field numbers
const (
	fieldProtocolVersion protowire.Number = 1
	fieldSourceID        protowire.Number = 2
	fieldDestinationID   protowire.Number = 3
	fieldNamespace       protowire.Number = 4
	fieldPayloadType     protowire.Number = 5
	fieldPayloadUTF8     protowire.Number = 6
	fieldPayloadBinary   protowire.Number = 7
)

const (
	protocolCastV2 = 0
	payloadString  = 0
)

// castMessage is the envelope every frame on the channel carries
type castMessage struct {
	ProtocolVersion uint64
	SourceID        string
	DestinationID   string
	Namespace       string
	PayloadType     uint64
	PayloadUTF8     string
	PayloadBinary   []byte
}

func (m *castMessage) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldProtocolVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, m.ProtocolVersion)
	b = protowire.AppendTag(b, fieldSourceID, protowire.BytesType)
	b = protowire.AppendString(b, m.SourceID)
	b = protowire.AppendTag(b, fieldDestinationID, protowire.BytesType)
	b = protowire.AppendString(b, m.DestinationID)
	b = protowire.AppendTag(b, fieldNamespace, protowire.BytesType)
	b = protowire.AppendString(b, m.Namespace)
	b = protowire.AppendTag(b, fieldPayloadType, protowire.VarintType)
	b = protowire.AppendVarint(b, m.PayloadType)
	if m.PayloadType == payloadString {
		b = protowire.AppendTag(b, fieldPayloadUTF8, protowire.BytesType)
		b = protowire.AppendString(b, m.PayloadUTF8)
	} else {
		b = protowire.AppendTag(b, fieldPayloadBinary, protowire.BytesType)
		b = protowire.AppendBytes(b, m.PayloadBinary)
	}
	return b
}

func unmarshalMessage(b []byte) (*castMessage, error) {
	m := &castMessage{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldProtocolVersion || num == fieldPayloadType):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == fieldProtocolVersion {
				m.ProtocolVersion = v
			} else {
				m.PayloadType = v
			}
			b = b[n:]
		case typ == protowire.BytesType && num >= fieldSourceID && num <= fieldPayloadBinary && num != fieldPayloadType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			switch num {
			case fieldSourceID:
				m.SourceID = string(v)
			case fieldDestinationID:
				m.DestinationID = string(v)
			case fieldNamespace:
				m.Namespace = string(v)
			case fieldPayloadUTF8:
				m.PayloadUTF8 = string(v)
			case fieldPayloadBinary:
				m.PayloadBinary = append([]byte(nil), v...)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if m.Namespace == `` {
		return nil, errors.New(`cast message without namespace`)
	}
	return m, nil
}

// envelope is the part of every JSON payload used for dispatch
type envelope struct {
	Type      string `json:"type"`
	RequestID int64  `json:"requestId,omitempty"`
}

type application struct {
	AppID       string `json:"appId"`
	DisplayName string `json:"displayName,omitempty"`
	SessionID   string `json:"sessionId"`
	TransportID string `json:"transportId"`
}

type receiverStatus struct {
	envelope
	Status struct {
		Applications []application `json:"applications"`
	} `json:"status"`
}

func (s *receiverStatus) find(appID string) *application {
	if s == nil {
		return nil
	}
	for i := range s.Status.Applications {
		if s.Status.Applications[i].AppID == appID {
			return &s.Status.Applications[i]
		}
	}
	return nil
}

type launchRequest struct {
	envelope
	AppID string `json:"appId"`
}

type stopRequest struct {
	envelope
	SessionID string `json:"sessionId"`
}

// patchMessage is the payload understood by the pattern generator receiver
// application. Scale is the patch size times ten.
type patchMessage struct {
	RequestID  int64      `json:"requestId"`
	Foreground string     `json:"foreground"`
	Background string     `json:"background"`
	Offset     [2]float64 `json:"offset"`
	Scale      [2]float64 `json:"scale"`
}

func newMessage(source, destination, namespace string, payload interface{}) (*castMessage, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf(`encoding %s payload: %w`, namespace, err)
	}
	return &castMessage{
		ProtocolVersion: protocolCastV2,
		SourceID:        source,
		DestinationID:   destination,
		Namespace:       namespace,
		PayloadType:     payloadString,
		PayloadUTF8:     string(b),
	}, nil
}

func (m *castMessage) header() envelope {
	e := envelope{}
	_ = json.Unmarshal([]byte(m.PayloadUTF8), &e)
	return e
}
