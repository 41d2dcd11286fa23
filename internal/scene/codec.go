package scene

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Binary layout: a three-byte header (magic, format version, payload kind),
// the document counter for full-state payloads, then a uvarint-framed list of
// operations. Strings are uvarint length prefixed; vectors are three
// little-endian float64 values.
const (
	payloadMagic  byte = 0xA7
	formatVersion byte = 1

	kindDelta byte = 1
	kindFull  byte = 2

	opSet    byte = 1
	opDelete byte = 2

	maxStringValueLength = 4096
	maxOpsPerPayload     = 65536
)

// deltaOp is one decoded operation: either a set of field registers for an
// object or the removal of an object key.
type deltaOp struct {
	objectID string
	remove   bool
	stamp    writeStamp
	fields   map[fieldID]fieldRegister
}

func encodeOps(kind byte, counter uint64, ops []deltaOp) []byte {
	var buf bytes.Buffer
	buf.WriteByte(payloadMagic)
	buf.WriteByte(formatVersion)
	buf.WriteByte(kind)
	if kind == kindFull {
		writeUvarint(&buf, counter)
	}
	writeUvarint(&buf, uint64(len(ops)))

	for _, op := range ops {
		if op.remove {
			buf.WriteByte(opDelete)
			writeString(&buf, op.objectID)
			writeUvarint(&buf, op.stamp.Counter)
			writeString(&buf, op.stamp.Actor)
			continue
		}
		buf.WriteByte(opSet)
		writeString(&buf, op.objectID)
		writeUvarint(&buf, uint64(len(op.fields)))
		for _, id := range sortedFieldIDs(op.fields) {
			register := op.fields[id]
			buf.WriteByte(byte(id))
			writeUvarint(&buf, register.stamp.Counter)
			writeString(&buf, register.stamp.Actor)
			if id.isVector() {
				writeVec3(&buf, register.value.vec)
			} else {
				writeString(&buf, register.value.str)
			}
		}
	}
	return buf.Bytes()
}

func decodeOps(payload []byte) (byte, uint64, []deltaOp, error) {
	reader := bytes.NewReader(payload)

	header := make([]byte, 3)
	if _, err := io.ReadFull(reader, header); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: truncated header", ErrMalformedDelta)
	}
	if header[0] != payloadMagic {
		return 0, 0, nil, fmt.Errorf("%w: bad magic byte", ErrMalformedDelta)
	}
	if header[1] != formatVersion {
		return 0, 0, nil, fmt.Errorf("%w: unsupported format version %d", ErrMalformedDelta, header[1])
	}
	kind := header[2]
	if kind != kindDelta && kind != kindFull {
		return 0, 0, nil, fmt.Errorf("%w: unknown payload kind %d", ErrMalformedDelta, kind)
	}

	var counter uint64
	if kind == kindFull {
		value, err := readUvarint(reader)
		if err != nil {
			return 0, 0, nil, err
		}
		counter = value
	}

	opCount, err := readUvarint(reader)
	if err != nil {
		return 0, 0, nil, err
	}
	if opCount > maxOpsPerPayload {
		return 0, 0, nil, fmt.Errorf("%w: operation count %d exceeds limit", ErrMalformedDelta, opCount)
	}

	ops := make([]deltaOp, 0, opCount)
	for i := uint64(0); i < opCount; i++ {
		opType, err := reader.ReadByte()
		if err != nil {
			return 0, 0, nil, fmt.Errorf("%w: truncated operation", ErrMalformedDelta)
		}
		objectID, err := readString(reader, maxIdentifierLength)
		if err != nil {
			return 0, 0, nil, err
		}
		if objectID == "" {
			return 0, 0, nil, fmt.Errorf("%w: empty object id", ErrMalformedDelta)
		}

		switch opType {
		case opDelete:
			stamp, err := readStamp(reader)
			if err != nil {
				return 0, 0, nil, err
			}
			ops = append(ops, deltaOp{objectID: objectID, remove: true, stamp: stamp})
		case opSet:
			fieldCount, err := readUvarint(reader)
			if err != nil {
				return 0, 0, nil, err
			}
			if fieldCount == 0 || fieldCount > uint64(fieldModelRef) {
				return 0, 0, nil, fmt.Errorf("%w: field count %d out of range", ErrMalformedDelta, fieldCount)
			}
			fields := make(map[fieldID]fieldRegister, fieldCount)
			for f := uint64(0); f < fieldCount; f++ {
				rawField, err := reader.ReadByte()
				if err != nil {
					return 0, 0, nil, fmt.Errorf("%w: truncated field", ErrMalformedDelta)
				}
				id := fieldID(rawField)
				if !id.valid() {
					return 0, 0, nil, fmt.Errorf("%w: unknown field id %d", ErrMalformedDelta, rawField)
				}
				stamp, err := readStamp(reader)
				if err != nil {
					return 0, 0, nil, err
				}
				register := fieldRegister{stamp: stamp}
				if id.isVector() {
					vec, err := readVec3(reader)
					if err != nil {
						return 0, 0, nil, err
					}
					register.value.vec = vec
				} else {
					str, err := readString(reader, maxStringValueLength)
					if err != nil {
						return 0, 0, nil, err
					}
					register.value.str = str
				}
				fields[id] = register
			}
			ops = append(ops, deltaOp{objectID: objectID, fields: fields})
		default:
			return 0, 0, nil, fmt.Errorf("%w: unknown operation type %d", ErrMalformedDelta, opType)
		}
	}

	if reader.Len() != 0 {
		return 0, 0, nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDelta, reader.Len())
	}
	return kind, counter, ops, nil
}

func writeUvarint(buf *bytes.Buffer, value uint64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], value)
	buf.Write(scratch[:n])
}

func writeString(buf *bytes.Buffer, value string) {
	writeUvarint(buf, uint64(len(value)))
	buf.WriteString(value)
}

func writeVec3(buf *bytes.Buffer, vec Vec3) {
	var scratch [8]byte
	for _, component := range vec {
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(component))
		buf.Write(scratch[:])
	}
}

func readUvarint(reader *bytes.Reader) (uint64, error) {
	value, err := binary.ReadUvarint(reader)
	if err != nil {
		return 0, fmt.Errorf("%w: truncated varint", ErrMalformedDelta)
	}
	return value, nil
}

func readString(reader *bytes.Reader, maxLength int) (string, error) {
	length, err := readUvarint(reader)
	if err != nil {
		return "", err
	}
	if length > uint64(maxLength) {
		return "", fmt.Errorf("%w: string length %d exceeds limit %d", ErrMalformedDelta, length, maxLength)
	}
	raw := make([]byte, length)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", fmt.Errorf("%w: truncated string", ErrMalformedDelta)
	}
	return string(raw), nil
}

func readStamp(reader *bytes.Reader) (writeStamp, error) {
	counter, err := readUvarint(reader)
	if err != nil {
		return writeStamp{}, err
	}
	actor, err := readString(reader, maxIdentifierLength)
	if err != nil {
		return writeStamp{}, err
	}
	if actor == "" {
		return writeStamp{}, fmt.Errorf("%w: empty actor id", ErrMalformedDelta)
	}
	return writeStamp{Counter: counter, Actor: actor}, nil
}

func readVec3(reader *bytes.Reader) (Vec3, error) {
	var raw [24]byte
	if _, err := io.ReadFull(reader, raw[:]); err != nil {
		return Vec3{}, fmt.Errorf("%w: truncated vector", ErrMalformedDelta)
	}
	var vec Vec3
	for i := 0; i < 3; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8 : i*8+8]))
	}
	return vec, nil
}

func sortedFieldIDs(fields map[fieldID]fieldRegister) []fieldID {
	ids := make([]fieldID, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
