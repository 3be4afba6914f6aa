// PackStream encoding and decoding.
//
// PackStream is the binary serialization format carried inside Bolt
// chunks. This file implements the subset the server speaks: null,
// booleans, integers, floats, strings, lists, maps, and the Node
// structure (signature 0x4E) for returning graph entities to drivers.

package bolt

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/orneryd/skalddb/pkg/storage"
)

// ============================================================================
// Encoding
// ============================================================================

func encodePackStreamMap(m map[string]any) []byte {
	if len(m) == 0 {
		return []byte{0xA0}
	}

	var buf []byte
	size := len(m)
	if size < 16 {
		buf = append(buf, byte(0xA0+size))
	} else if size < 256 {
		buf = append(buf, 0xD8, byte(size))
	} else {
		buf = append(buf, 0xD9, byte(size>>8), byte(size))
	}

	for k, v := range m {
		buf = append(buf, encodePackStreamString(k)...)
		buf = append(buf, encodePackStreamValue(v)...)
	}

	return buf
}

func encodePackStreamList(items []any) []byte {
	if len(items) == 0 {
		return []byte{0x90}
	}

	var buf []byte
	size := len(items)
	if size < 16 {
		buf = append(buf, byte(0x90+size))
	} else if size < 256 {
		buf = append(buf, 0xD4, byte(size))
	} else {
		buf = append(buf, 0xD5, byte(size>>8), byte(size))
	}

	for _, item := range items {
		buf = append(buf, encodePackStreamValue(item)...)
	}

	return buf
}

func encodePackStreamString(s string) []byte {
	length := len(s)
	var buf []byte

	if length < 16 {
		buf = append(buf, byte(0x80+length))
	} else if length < 256 {
		buf = append(buf, 0xD0, byte(length))
	} else if length < 65536 {
		buf = append(buf, 0xD1, byte(length>>8), byte(length))
	} else {
		buf = append(buf, 0xD2, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	}

	buf = append(buf, []byte(s)...)
	return buf
}

func encodePackStreamValue(v any) []byte {
	switch val := v.(type) {
	case nil:
		return []byte{0xC0}
	case bool:
		if val {
			return []byte{0xC3}
		}
		return []byte{0xC2}
	// All integer types encode as INT64 for Neo4j driver compatibility.
	case int:
		return encodePackStreamInt(int64(val))
	case int8:
		return encodePackStreamInt(int64(val))
	case int16:
		return encodePackStreamInt(int64(val))
	case int32:
		return encodePackStreamInt(int64(val))
	case int64:
		return encodePackStreamInt(val)
	case uint:
		return encodePackStreamInt(int64(val))
	case uint8:
		return encodePackStreamInt(int64(val))
	case uint16:
		return encodePackStreamInt(int64(val))
	case uint32:
		return encodePackStreamInt(int64(val))
	case uint64:
		return encodePackStreamInt(int64(val))
	case float32:
		buf := make([]byte, 9)
		buf[0] = 0xC1
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(float64(val)))
		return buf
	case float64:
		buf := make([]byte, 9)
		buf[0] = 0xC1
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(val))
		return buf
	case string:
		return encodePackStreamString(val)
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return encodePackStreamList(items)
	case []any:
		return encodePackStreamList(val)
	case []int64:
		items := make([]any, len(val))
		for i, n := range val {
			items[i] = n
		}
		return encodePackStreamList(items)
	case []float64:
		items := make([]any, len(val))
		for i, n := range val {
			items[i] = n
		}
		return encodePackStreamList(items)
	case map[string]any:
		return encodePackStreamMap(val)
	case *storage.Node:
		return encodeNode(val)
	default:
		// Unknown type - encode as null rather than corrupting the stream.
		return []byte{0xC0}
	}
}

// encodeNode encodes a node as a Bolt Node structure (signature 0x4E) so
// drivers expose it as a Node instance with .labels and .properties.
// Format: STRUCT(3 fields, signature 'N') + id + labels + properties
func encodeNode(node *storage.Node) []byte {
	buf := []byte{0xB3, 0x4E}

	// Drivers expect int64 node ids; hash the string id deterministically.
	var id int64
	for _, c := range string(node.ID) {
		id = id*31 + int64(c)
	}
	buf = append(buf, encodePackStreamInt(id)...)

	labels := make([]any, len(node.Labels))
	for i, l := range node.Labels {
		labels[i] = l
	}
	buf = append(buf, encodePackStreamList(labels)...)

	// Expose the string id as a property so clients can address the node.
	props := make(map[string]any, len(node.Properties)+1)
	for k, v := range node.Properties {
		props[k] = v
	}
	props["_id"] = string(node.ID)
	buf = append(buf, encodePackStreamMap(props)...)

	return buf
}

func encodePackStreamInt(val int64) []byte {
	if val >= -16 && val <= 127 {
		return []byte{byte(val)}
	}
	if val >= -128 && val < -16 {
		return []byte{0xC8, byte(val)}
	}
	if val >= -32768 && val <= 32767 {
		return []byte{0xC9, byte(val >> 8), byte(val)}
	}
	if val >= -2147483648 && val <= 2147483647 {
		return []byte{0xCA, byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
	}
	return []byte{0xCB, byte(val >> 56), byte(val >> 48), byte(val >> 40), byte(val >> 32),
		byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
}

// ============================================================================
// Decoding
// ============================================================================

func decodePackStreamString(data []byte, offset int) (string, int, error) {
	if offset >= len(data) {
		return "", 0, fmt.Errorf("offset out of bounds")
	}

	startOffset := offset
	marker := data[offset]
	offset++

	var length int

	if marker >= 0x80 && marker <= 0x8F { // tiny string
		length = int(marker - 0x80)
	} else if marker == 0xD0 { // STRING8
		if offset >= len(data) {
			return "", 0, fmt.Errorf("incomplete STRING8")
		}
		length = int(data[offset])
		offset++
	} else if marker == 0xD1 { // STRING16
		if offset+1 >= len(data) {
			return "", 0, fmt.Errorf("incomplete STRING16")
		}
		length = int(data[offset])<<8 | int(data[offset+1])
		offset += 2
	} else if marker == 0xD2 { // STRING32
		if offset+3 >= len(data) {
			return "", 0, fmt.Errorf("incomplete STRING32")
		}
		length = int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
	} else {
		return "", 0, fmt.Errorf("not a string marker: 0x%02X", marker)
	}

	if offset+length > len(data) {
		return "", 0, fmt.Errorf("string data out of bounds")
	}

	str := string(data[offset : offset+length])
	return str, (offset + length) - startOffset, nil
}

func decodePackStreamMap(data []byte, offset int) (map[string]any, int, error) {
	if offset >= len(data) {
		return nil, 0, fmt.Errorf("offset out of bounds")
	}

	marker := data[offset]
	startOffset := offset
	offset++

	var size int

	if marker >= 0xA0 && marker <= 0xAF { // tiny map
		size = int(marker - 0xA0)
	} else if marker == 0xD8 { // MAP8
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("incomplete MAP8")
		}
		size = int(data[offset])
		offset++
	} else if marker == 0xD9 { // MAP16
		if offset+1 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete MAP16")
		}
		size = int(data[offset])<<8 | int(data[offset+1])
		offset += 2
	} else {
		return nil, 0, fmt.Errorf("not a map marker: 0x%02X", marker)
	}

	result := make(map[string]any)

	for i := 0; i < size; i++ {
		key, n, err := decodePackStreamString(data, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode map key: %w", err)
		}
		offset += n

		value, n, err := decodePackStreamValue(data, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode map value for key %s: %w", key, err)
		}
		offset += n

		result[key] = value
	}

	return result, offset - startOffset, nil
}

func decodePackStreamValue(data []byte, offset int) (any, int, error) {
	if offset >= len(data) {
		return nil, 0, fmt.Errorf("offset out of bounds")
	}

	marker := data[offset]

	if marker == 0xC0 {
		return nil, 1, nil
	}
	if marker == 0xC2 {
		return false, 1, nil
	}
	if marker == 0xC3 {
		return true, 1, nil
	}

	// Tiny positive int (0x00-0x7F)
	if marker <= 0x7F {
		return int64(marker), 1, nil
	}

	// Tiny negative int (0xF0-0xFF = -16 to -1)
	if marker >= 0xF0 {
		return int64(int8(marker)), 1, nil
	}

	// INT8
	if marker == 0xC8 {
		if offset+1 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT8")
		}
		return int64(int8(data[offset+1])), 2, nil
	}

	// INT16
	if marker == 0xC9 {
		if offset+2 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT16")
		}
		val := int16(data[offset+1])<<8 | int16(data[offset+2])
		return int64(val), 3, nil
	}

	// INT32
	if marker == 0xCA {
		if offset+4 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT32")
		}
		val := int32(data[offset+1])<<24 | int32(data[offset+2])<<16 | int32(data[offset+3])<<8 | int32(data[offset+4])
		return int64(val), 5, nil
	}

	// INT64
	if marker == 0xCB {
		if offset+8 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete INT64")
		}
		val := int64(data[offset+1])<<56 | int64(data[offset+2])<<48 | int64(data[offset+3])<<40 | int64(data[offset+4])<<32 |
			int64(data[offset+5])<<24 | int64(data[offset+6])<<16 | int64(data[offset+7])<<8 | int64(data[offset+8])
		return val, 9, nil
	}

	// Float64
	if marker == 0xC1 {
		if offset+8 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete Float64")
		}
		bits := binary.BigEndian.Uint64(data[offset+1 : offset+9])
		return math.Float64frombits(bits), 9, nil
	}

	// String
	if marker >= 0x80 && marker <= 0x8F || marker == 0xD0 || marker == 0xD1 || marker == 0xD2 {
		return decodePackStreamString(data, offset)
	}

	// List
	if marker >= 0x90 && marker <= 0x9F || marker == 0xD4 || marker == 0xD5 || marker == 0xD6 {
		return decodePackStreamList(data, offset)
	}

	// Map
	if marker >= 0xA0 && marker <= 0xAF || marker == 0xD8 || marker == 0xD9 || marker == 0xDA {
		return decodePackStreamMap(data, offset)
	}

	// Structure values (spatial and temporal types) are not accepted as
	// parameters. Skipping one is not possible without interpreting it,
	// so reject the message rather than desync the decoder.
	if marker >= 0xB0 && marker <= 0xBF {
		if offset+1 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete structure value")
		}
		return nil, 0, fmt.Errorf("unsupported structure value: signature 0x%02X", data[offset+1])
	}

	return nil, 0, fmt.Errorf("unknown marker: 0x%02X", marker)
}

func decodePackStreamList(data []byte, offset int) ([]any, int, error) {
	if offset >= len(data) {
		return nil, 0, fmt.Errorf("offset out of bounds")
	}

	marker := data[offset]
	startOffset := offset
	offset++

	var size int

	if marker >= 0x90 && marker <= 0x9F { // tiny list
		size = int(marker - 0x90)
	} else if marker == 0xD4 { // LIST8
		if offset >= len(data) {
			return nil, 0, fmt.Errorf("incomplete LIST8")
		}
		size = int(data[offset])
		offset++
	} else if marker == 0xD5 { // LIST16
		if offset+1 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete LIST16")
		}
		size = int(data[offset])<<8 | int(data[offset+1])
		offset += 2
	} else if marker == 0xD6 { // LIST32
		if offset+3 >= len(data) {
			return nil, 0, fmt.Errorf("incomplete LIST32")
		}
		size = int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
	} else {
		return nil, 0, fmt.Errorf("not a list marker: 0x%02X", marker)
	}

	result := make([]any, size)

	for i := 0; i < size; i++ {
		value, n, err := decodePackStreamValue(data, offset)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode list item %d: %w", i, err)
		}
		result[i] = value
		offset += n
	}

	return result, offset - startOffset, nil
}
