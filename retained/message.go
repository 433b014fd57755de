package retained

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// messageOverhead approximates the fixed in-memory cost of a Message.
const messageOverhead = 64

// Property is an MQTT 5 user property.
type Property struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Message is a retained PUBLISH as stored for one topic.
//
// The payload itself lives in the payload store under PayloadID; Payload is
// only populated on messages returned by reads.
type Message struct {
	Payload                []byte     `json:"payload,omitempty"`
	PayloadID              uint64     `json:"payload_id"`
	QoS                    byte       `json:"qos"`
	Timestamp              time.Time  `json:"timestamp"`
	MessageExpiryInterval  uint32     `json:"message_expiry_interval,omitempty"` // seconds, 0 means never
	ContentType            string     `json:"content_type,omitempty"`
	ResponseTopic          string     `json:"response_topic,omitempty"`
	CorrelationData        []byte     `json:"correlation_data,omitempty"`
	UserProperties         []Property `json:"user_properties,omitempty"`
	PayloadFormatIndicator *byte      `json:"payload_format_indicator,omitempty"`
}

// Expired reports whether the message expiry interval elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	if m.MessageExpiryInterval == 0 {
		return false
	}
	return !now.Before(m.Timestamp.Add(time.Duration(m.MessageExpiryInterval) * time.Second))
}

// EstimatedSize approximates the memory held by the message.
func (m *Message) EstimatedSize() int {
	n := messageOverhead + len(m.Payload) + len(m.ContentType) + len(m.ResponseTopic) + len(m.CorrelationData)
	for _, p := range m.UserProperties {
		n += len(p.Key) + len(p.Value)
	}
	return n
}

// Entry is a topic with its retained message, as returned by chunked export.
type Entry struct {
	Topic   string   `json:"topic"`
	Message *Message `json:"message"`
}

// EstimatedSize approximates the memory held by the entry.
func (e Entry) EstimatedSize() int {
	return len(e.Topic) + e.Message.EstimatedSize()
}

// Stored record field numbers.
const (
	fieldPayloadID       protowire.Number = 1
	fieldQoS             protowire.Number = 2
	fieldTimestamp       protowire.Number = 3
	fieldExpiryInterval  protowire.Number = 4
	fieldContentType     protowire.Number = 5
	fieldResponseTopic   protowire.Number = 6
	fieldCorrelationData protowire.Number = 7
	fieldUserProperty    protowire.Number = 8
	fieldPayloadFormat   protowire.Number = 9

	fieldPropertyKey   protowire.Number = 1
	fieldPropertyValue protowire.Number = 2
)

var errMalformedRecord = errors.New("retained: malformed record")

// marshalMessage encodes everything but the payload bytes.
func marshalMessage(m *Message) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPayloadID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.PayloadID)
	b = protowire.AppendTag(b, fieldQoS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.QoS))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.Timestamp.UnixMilli()))
	if m.MessageExpiryInterval > 0 {
		b = protowire.AppendTag(b, fieldExpiryInterval, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MessageExpiryInterval))
	}
	if m.ContentType != "" {
		b = protowire.AppendTag(b, fieldContentType, protowire.BytesType)
		b = protowire.AppendString(b, m.ContentType)
	}
	if m.ResponseTopic != "" {
		b = protowire.AppendTag(b, fieldResponseTopic, protowire.BytesType)
		b = protowire.AppendString(b, m.ResponseTopic)
	}
	if len(m.CorrelationData) > 0 {
		b = protowire.AppendTag(b, fieldCorrelationData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.CorrelationData)
	}
	for _, p := range m.UserProperties {
		var pb []byte
		pb = protowire.AppendTag(pb, fieldPropertyKey, protowire.BytesType)
		pb = protowire.AppendString(pb, p.Key)
		pb = protowire.AppendTag(pb, fieldPropertyValue, protowire.BytesType)
		pb = protowire.AppendString(pb, p.Value)
		b = protowire.AppendTag(b, fieldUserProperty, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	if m.PayloadFormatIndicator != nil {
		b = protowire.AppendTag(b, fieldPayloadFormat, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.PayloadFormatIndicator))
	}
	return b
}

func unmarshalMessage(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed(n)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			switch num {
			case fieldPayloadID:
				m.PayloadID = v
			case fieldQoS:
				m.QoS = byte(v) //nolint:gosec // 0..2
			case fieldTimestamp:
				m.Timestamp = time.UnixMilli(protowire.DecodeZigZag(v))
			case fieldExpiryInterval:
				m.MessageExpiryInterval = uint32(v) //nolint:gosec // written from uint32
			case fieldPayloadFormat:
				pfi := byte(v) //nolint:gosec // 0..1
				m.PayloadFormatIndicator = &pfi
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
			switch num {
			case fieldContentType:
				m.ContentType = string(v)
			case fieldResponseTopic:
				m.ResponseTopic = string(v)
			case fieldCorrelationData:
				m.CorrelationData = append([]byte(nil), v...)
			case fieldUserProperty:
				p, err := unmarshalProperty(v)
				if err != nil {
					return nil, err
				}
				m.UserProperties = append(m.UserProperties, p)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func unmarshalProperty(b []byte) (Property, error) {
	var p Property
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, malformed(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, malformed(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return p, malformed(n)
		}
		b = b[n:]
		switch num {
		case fieldPropertyKey:
			p.Key = v
		case fieldPropertyValue:
			p.Value = v
		}
	}
	return p, nil
}

func malformed(n int) error {
	return fmt.Errorf("%w: %w", errMalformedRecord, protowire.ParseError(n))
}
