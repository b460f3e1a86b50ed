package p4proto

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Python marshal type codes that p4 -G actually emits. p4's wire protocol
// is an external contract; this file implements only the
// minimal subset of Python's marshal format p4 is documented to use for
// "-G" output (dicts of strings and ints), not a general-purpose decoder.
const (
	marshalDict   = '{'
	marshalNull   = '0'
	marshalString = 's'
	marshalInt    = 'i'
)

// decodeMarshalDict reads one marshaled dict (a single p4 -G record) from
// r. It returns io.EOF if the stream is exhausted before any bytes of a new
// record are read.
func decodeMarshalDict(r *bufio.Reader) (map[string]interface{}, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if tag != marshalDict {
		return nil, errors.Errorf("unexpected marshal tag %q, expected dict", tag)
	}

	result := make(map[string]interface{})
	for {
		keyTag, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "truncated marshal stream reading key")
		}
		if keyTag == marshalNull {
			return result, nil
		}
		key, err := decodeMarshalValue(r, keyTag)
		if err != nil {
			return nil, errors.Wrap(err, "unable to decode dict key")
		}
		keyStr, ok := key.(string)
		if !ok {
			return nil, errors.New("dict key is not a string")
		}

		valueTag, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "truncated marshal stream reading value")
		}
		value, err := decodeMarshalValue(r, valueTag)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to decode value for key %q", keyStr)
		}
		result[keyStr] = value
	}
}

func decodeMarshalValue(r *bufio.Reader, tag byte) (interface{}, error) {
	switch tag {
	case marshalString:
		return decodeMarshalString(r)
	case marshalInt:
		return decodeMarshalInt(r)
	case marshalDict:
		// Unread the tag byte so decodeMarshalDict can consume it again.
		if err := r.UnreadByte(); err != nil {
			return nil, err
		}
		return decodeMarshalDict(r)
	default:
		return nil, errors.Errorf("unsupported marshal tag %q", tag)
	}
}

func decodeMarshalString(r *bufio.Reader) (string, error) {
	var length int32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length < 0 {
		return "", errors.New("negative string length in marshal stream")
	}
	buffer := make([]byte, length)
	if _, err := io.ReadFull(r, buffer); err != nil {
		return "", err
	}
	return string(buffer), nil
}

func decodeMarshalInt(r *bufio.Reader) (int, error) {
	var value int32
	if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
		return 0, err
	}
	return int(value), nil
}

// encodeMarshalDict renders a dict of strings back to marshal form. Used
// only by tests to synthesize fake p4 -G output.
func encodeMarshalDict(fields map[string]string) []byte {
	var buf []byte
	buf = append(buf, marshalDict)
	for k, v := range fields {
		buf = append(buf, marshalString)
		buf = append(buf, encodeMarshalLength(len(k))...)
		buf = append(buf, k...)
		buf = append(buf, marshalString)
		buf = append(buf, encodeMarshalLength(len(v))...)
		buf = append(buf, v...)
	}
	buf = append(buf, marshalNull)
	return buf
}

func encodeMarshalLength(n int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}
