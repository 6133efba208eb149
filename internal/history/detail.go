package history

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Detail is the structured payload stored alongside each event row.
//
//	field 1 (repeated string): entered flag names
//	field 2 (repeated string): exited flag names
//	field 3 (uint32): retries
//	field 4 (string): error text
//	field 5 (string): priority name
//	field 6 (bool): implicit
//	field 7 (bool): redundant
//	field 8 (bytes): value
type Detail struct {
	Entered   []string
	Exited    []string
	Retries   int
	Error     string
	Priority  string
	Implicit  bool
	Redundant bool
	Value     []byte
}

const (
	fieldEntered protowire.Number = iota + 1
	fieldExited
	fieldRetries
	fieldError
	fieldPriority
	fieldImplicit
	fieldRedundant
	fieldValue
)

// MarshalDetail encodes d in protobuf wire format. Zero fields are omitted.
func MarshalDetail(d Detail) []byte {
	var buf []byte
	for _, s := range d.Entered {
		buf = protowire.AppendTag(buf, fieldEntered, protowire.BytesType)
		buf = protowire.AppendString(buf, s)
	}
	for _, s := range d.Exited {
		buf = protowire.AppendTag(buf, fieldExited, protowire.BytesType)
		buf = protowire.AppendString(buf, s)
	}
	if d.Retries > 0 {
		buf = protowire.AppendTag(buf, fieldRetries, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(d.Retries))
	}
	if d.Error != "" {
		buf = protowire.AppendTag(buf, fieldError, protowire.BytesType)
		buf = protowire.AppendString(buf, d.Error)
	}
	if d.Priority != "" {
		buf = protowire.AppendTag(buf, fieldPriority, protowire.BytesType)
		buf = protowire.AppendString(buf, d.Priority)
	}
	if d.Implicit {
		buf = protowire.AppendTag(buf, fieldImplicit, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	if d.Redundant {
		buf = protowire.AppendTag(buf, fieldRedundant, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(true))
	}
	if len(d.Value) > 0 {
		buf = protowire.AppendTag(buf, fieldValue, protowire.BytesType)
		buf = protowire.AppendBytes(buf, d.Value)
	}
	return buf
}

// DecodeDetail reverses MarshalDetail. Unknown fields are skipped so rows
// written by newer versions still decode.
func DecodeDetail(data []byte) (Detail, error) {
	var d Detail
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Detail{}, fmt.Errorf("history: reading tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && num <= fieldValue:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Detail{}, fmt.Errorf("history: reading field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldEntered:
				d.Entered = append(d.Entered, string(v))
			case fieldExited:
				d.Exited = append(d.Exited, string(v))
			case fieldError:
				d.Error = string(v)
			case fieldPriority:
				d.Priority = string(v)
			case fieldValue:
				d.Value = append([]byte(nil), v...)
			default:
				return Detail{}, fmt.Errorf("history: field %d has wrong wire type", num)
			}
		case typ == protowire.VarintType && num <= fieldValue:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Detail{}, fmt.Errorf("history: reading field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldRetries:
				d.Retries = int(v)
			case fieldImplicit:
				d.Implicit = protowire.DecodeBool(v)
			case fieldRedundant:
				d.Redundant = protowire.DecodeBool(v)
			default:
				return Detail{}, fmt.Errorf("history: field %d has wrong wire type", num)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Detail{}, fmt.Errorf("history: skipping field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return d, nil
}
