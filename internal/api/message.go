// Package api defines the LoShark application envelope and its payloads.
package api

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Outbound request ops.
const (
	OpPing     = "ping"
	OpOpened   = "opened"
	OpOpen     = "open"
	OpClose    = "close"
	OpGetTime  = "gettime"
	OpSetTime  = "settime"
	OpGetProp  = "getprop"
	OpSetProp  = "setprop"
	OpListProp = "listprop"
	OpTransmit = "transmit"
)

// Inbound ops.
const (
	OpResult  = "result"
	OpEvent   = "event"
	OpSignal  = "signal"
	OpReceive = "receive"
)

// MaxID is the largest local sequence id; the counter wraps back to 1 after it.
const MaxID = ^uint32(0)

// Message is one envelope carried in a frame payload.
type Message struct {
	ID     uint32             `msgpack:"id"`
	Op     string             `msgpack:"op"`
	Data   msgpack.RawMessage `msgpack:"data,omitempty"`
	Result *Result            `msgpack:"result,omitempty"`
	Signal *SignalStat        `msgpack:"signal,omitempty"`
}

// Result is attached to op=result envelopes and answers request RID.
type Result struct {
	RID     uint32 `msgpack:"rid"`
	Success bool   `msgpack:"success"`
	Message string `msgpack:"message,omitempty"`
}

// SignalStat is the radio signal report carried by signal and receive envelopes.
type SignalStat struct {
	Timestamp int64   `msgpack:"timestamp" json:"timestamp"`
	FreqErr   float64 `msgpack:"freqErr" json:"freqErr"`
	RSCP      float64 `msgpack:"rscp" json:"rscp"`
	RSSI      float64 `msgpack:"rssi" json:"rssi"`
	SNR       float64 `msgpack:"snr" json:"snr"`
}

func (s SignalStat) String() string {
	return fmt.Sprintf("RSSI: %v, RSCP: %v, SNR: %v, FreqErr: %.2f", s.RSSI, s.RSCP, s.SNR, s.FreqErr)
}

// NewMessage builds an envelope for op with data encoded as the payload.
// A nil data leaves the payload absent. The id is stamped by the sender.
func NewMessage(op string, data any) (*Message, error) {
	m := &Message{Op: op}
	if data == nil {
		return m, nil
	}
	raw, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", op, err)
	}
	m.Data = raw
	return m, nil
}

// HasData reports whether the envelope carries a payload.
func (m *Message) HasData() bool { return len(m.Data) > 0 }

// DecodeData unpacks the payload into v.
func (m *Message) DecodeData(v any) error {
	if !m.HasData() {
		return fmt.Errorf("%w: %s envelope has no data", ErrDecode, m.Op)
	}
	if err := msgpack.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrDecode, m.Op, err)
	}
	return nil
}

// DataValue unpacks the payload into generic Go values (maps, slices, scalars).
func (m *Message) DataValue() (any, error) {
	if !m.HasData() {
		return nil, nil
	}
	var v any
	if err := unmarshalLoose(m.Data, &v); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrDecode, m.Op, err)
	}
	return v, nil
}

// unmarshalLoose decodes integers held in interface values as int64/uint64
// and floats as float64, whatever width the device packed them with.
func unmarshalLoose(raw []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// Timespec is the device clock representation.
type Timespec struct {
	Sec  int64 `msgpack:"sec" json:"sec"`
	Nsec int64 `msgpack:"nsec" json:"nsec"`
}

// TimespecOf converts t to a Timespec.
func TimespecOf(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

// Time converts the timespec to a time.Time.
func (ts Timespec) Time() time.Time { return time.Unix(ts.Sec, ts.Nsec) }

// Prop is one device property.
type Prop struct {
	Key   string `msgpack:"key" json:"key"`
	Value any    `msgpack:"value" json:"value"`
}

type propKey struct {
	Key string `msgpack:"key"`
}

type propList struct {
	Props []Prop `msgpack:"props"`
}

type propValue struct {
	Value any `msgpack:"value"`
}

type transmitData struct {
	Buffer []byte `msgpack:"buffer"`
}

// ReceiveData is the payload of a receive envelope.
type ReceiveData struct {
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
	Buffer    []byte `msgpack:"buffer" json:"buffer"`
}

// GetPropData is the request payload for getprop.
func GetPropData(key string) any { return propKey{Key: key} }

// SetPropData is the request payload for setprop.
func SetPropData(key string, value any) any { return Prop{Key: key, Value: value} }

// TransmitData is the request payload for transmit.
func TransmitData(buf []byte) any { return transmitData{Buffer: buf} }

// DecodePropValue extracts the value field of a getprop result payload.
func DecodePropValue(raw msgpack.RawMessage) (any, error) {
	var v propValue
	if err := unmarshalLoose(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: getprop result: %v", ErrDecode, err)
	}
	return v.Value, nil
}

// DecodePropList extracts the props field of a listprop result payload.
func DecodePropList(raw msgpack.RawMessage) ([]Prop, error) {
	var v propList
	if err := unmarshalLoose(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: listprop result: %v", ErrDecode, err)
	}
	return v.Props, nil
}

// DecodeBool decodes a boolean result payload. Integers are accepted as C
// truth values; an absent payload is false.
func DecodeBool(raw msgpack.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}
	var v any
	if err := unmarshalLoose(raw, &v); err != nil {
		return false, fmt.Errorf("%w: bool result: %v", ErrDecode, err)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case int64:
		return b != 0, nil
	case uint64:
		return b != 0, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("%w: bool result has type %T", ErrDecode, v)
	}
}

// DecodeTimespec decodes a gettime result payload.
func DecodeTimespec(raw msgpack.RawMessage) (Timespec, error) {
	var ts Timespec
	if err := msgpack.Unmarshal(raw, &ts); err != nil {
		return Timespec{}, fmt.Errorf("%w: timespec result: %v", ErrDecode, err)
	}
	return ts, nil
}
