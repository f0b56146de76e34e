package protocol

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. Payload variants use kind + payloadFieldOffset.
const (
	fieldApp           protowire.Number = 1
	fieldVersion       protowire.Number = 2
	payloadFieldOffset                  = 2
)

var errEmptyPayload = errors.New("envelope has no payload")

// Marshal encodes env using the protobuf wire format.
func Marshal(env *Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, errEmptyPayload
	}
	var b []byte
	b = appendInt32(b, fieldApp, env.App)
	b = appendInt32(b, fieldVersion, env.Version)

	num := protowire.Number(env.Payload.Kind()) + payloadFieldOffset
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Payload.appendFields(nil))
	return b, nil
}

// Unmarshal decodes an envelope. Unknown fields are skipped; when more than
// one payload is present the last one wins.
func Unmarshal(data []byte) (*Envelope, error) {
	env := &Envelope{}
	err := rangeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldApp:
			return consumeInt32(typ, b, &env.App)
		case fieldVersion:
			return consumeInt32(typ, b, &env.Version)
		}
		p := newPayload(Kind(num - payloadFieldOffset))
		if p == nil || typ != protowire.BytesType {
			return 0
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		if err := p.consumeFields(v); err != nil {
			return -1
		}
		env.Payload = p
		return n
	})
	if err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Payload == nil {
		return nil, errEmptyPayload
	}
	return env, nil
}

// Parse decodes data and reports ok=false when the bytes are not an
// envelope of this protocol (undecodable, or a foreign app id).
func Parse(data []byte, app int32) (*Envelope, bool) {
	env, err := Unmarshal(data)
	if err != nil || env.App != app {
		return nil, false
	}
	return env, true
}

// rangeFields calls fn for every field of a message. fn returns the number
// of bytes it consumed from b, 0 to skip the field, or a negative error code.
func rangeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := fn(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = int32(v)
	}
	return n
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func consumeString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

// Payload encodings.

func (p *ServiceAnnouncement) appendFields(b []byte) []byte {
	return appendString(b, 1, p.Hostname)
}

func (p *ServiceAnnouncement) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &p.Hostname)
		}
		return 0
	})
}

func (p *ServiceAcquisition) appendFields(b []byte) []byte {
	b = appendBool(b, 1, p.Track)
	b = appendString(b, 2, p.Hostname)
	b = appendString(b, 3, p.Detector)
	return appendString(b, 4, p.PeopleGroup)
}

func (p *ServiceAcquisition) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBool(typ, b, &p.Track)
		case 2:
			return consumeString(typ, b, &p.Hostname)
		case 3:
			return consumeString(typ, b, &p.Detector)
		case 4:
			return consumeString(typ, b, &p.PeopleGroup)
		}
		return 0
	})
}

func (p *ServiceUpdate) appendFields(b []byte) []byte {
	b = appendBool(b, 1, p.Track)
	b = appendString(b, 2, p.Detector)
	return appendString(b, 3, p.PeopleGroup)
}

func (p *ServiceUpdate) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBool(typ, b, &p.Track)
		case 2:
			return consumeString(typ, b, &p.Detector)
		case 3:
			return consumeString(typ, b, &p.PeopleGroup)
		}
		return 0
	})
}

func (p *ServiceRelease) appendFields(b []byte) []byte {
	return appendString(b, 1, p.Hostname)
}

func (p *ServiceRelease) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &p.Hostname)
		}
		return 0
	})
}

func (p *Ping) appendFields(b []byte) []byte {
	return appendString(b, 1, p.Hostname)
}

func (p *Ping) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeString(typ, b, &p.Hostname)
		}
		return 0
	})
}

func (p *PositionUpdate) appendFields(b []byte) []byte {
	return appendInt32(b, 1, p.Coordinate)
}

func (p *PositionUpdate) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num == 1 {
			return consumeInt32(typ, b, &p.Coordinate)
		}
		return 0
	})
}

func (p *CameraCalibrationRequest) appendFields(b []byte) []byte {
	b = appendBool(b, 1, p.Start)
	b = appendBool(b, 2, p.Finish)
	return appendBool(b, 3, p.Repeat)
}

func (p *CameraCalibrationRequest) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeBool(typ, b, &p.Start)
		case 2:
			return consumeBool(typ, b, &p.Finish)
		case 3:
			return consumeBool(typ, b, &p.Repeat)
		}
		return 0
	})
}

func (p *CameraCalibrationResponse) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, p.Count)
	return appendString(b, 2, p.Image)
}

func (p *CameraCalibrationResponse) consumeFields(b []byte) error {
	return rangeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case 1:
			return consumeInt32(typ, b, &p.Count)
		case 2:
			return consumeString(typ, b, &p.Image)
		}
		return 0
	})
}
