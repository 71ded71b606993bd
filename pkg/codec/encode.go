package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

const (
	flagRaw  byte = 0
	flagLZ4  byte = 1
)

// Encode serializes cmd into the on-wire/on-disk format: a tag byte followed
// by a compression flag, the uncompressed length as a uvarint, and either
// raw or LZ4-block-compressed JSON bytes. Batch is framed recursively: each
// inner command is itself a complete encoded frame, length-prefixed.
func Encode(cmd Command) ([]byte, error) {
	if b, ok := cmd.(Batch); ok {
		return encodeBatch(b)
	}
	if b, ok := cmd.(*Batch); ok {
		return encodeBatch(*b)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal command: %w", err)
	}
	return append([]byte{cmd.tag()}, compress(payload)...), nil
}

func encodeBatch(b Batch) ([]byte, error) {
	out := []byte{tagBatch}
	var lenBuf [binary.MaxVarintLen64]byte
	for _, inner := range b.Commands {
		encoded, err := Encode(inner)
		if err != nil {
			return nil, err
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(encoded)))
		out = append(out, lenBuf[:n]...)
		out = append(out, encoded...)
	}
	return out, nil
}

// compress prepends a flag byte and a uvarint of the uncompressed length to
// either the LZ4-block-compressed payload, or the raw payload if compression
// did not shrink it (pierrec/lz4 signals that by returning n==0).
func compress(payload []byte) []byte {
	bound := lz4.CompressBlockBound(len(payload))
	dst := make([]byte, bound)
	var c lz4.Compressor
	n, err := c.CompressBlock(payload, dst)

	var lenBuf [binary.MaxVarintLen64]byte
	lenN := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	if err != nil || n == 0 || n >= len(payload) {
		out := make([]byte, 0, 2+lenN+len(payload))
		out = append(out, flagRaw)
		out = append(out, lenBuf[:lenN]...)
		out = append(out, payload...)
		return out
	}

	out := make([]byte, 0, 2+lenN+n)
	out = append(out, flagLZ4)
	out = append(out, lenBuf[:lenN]...)
	out = append(out, dst[:n]...)
	return out
}

// Decode inverts Encode. Per spec, it tolerates a run of leading zero bytes
// prepended by the log layer ahead of the real tag byte, and is fully
// deterministic: identical input always yields an identical Command.
func Decode(data []byte) (Command, error) {
	i := 0
	for i < len(data) && data[i] == 0 {
		i++
	}
	if i == len(data) {
		return nil, fmt.Errorf("codec: no valid start found (all-zero input)")
	}
	cmd, _, err := decodeFrame(data[i:])
	return cmd, err
}

// decodeFrame decodes one frame starting at data[0] and returns the command
// plus the number of bytes consumed, so callers (Batch) can chain frames.
func decodeFrame(data []byte) (Command, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("codec: empty frame")
	}
	tag := data[0]
	rest := data[1:]

	if tag == tagBatch {
		cmd, consumed, err := decodeBatch(rest)
		if err != nil {
			return nil, 0, err
		}
		return cmd, 1 + consumed, nil
	}

	payload, consumed, err := decompress(rest)
	if err != nil {
		return nil, 0, err
	}

	cmd, err := unmarshalTagged(tag, payload)
	if err != nil {
		return nil, 0, err
	}
	return cmd, 1 + consumed, nil
}

func decodeBatch(rest []byte) (Command, int, error) {
	var commands []Command
	offset := 0
	for offset < len(rest) {
		length, n := binary.Uvarint(rest[offset:])
		if n <= 0 {
			return nil, 0, fmt.Errorf("codec: malformed batch length prefix")
		}
		offset += n
		if offset+int(length) > len(rest) {
			return nil, 0, fmt.Errorf("codec: truncated batch element")
		}
		inner, consumed, err := decodeFrame(rest[offset : offset+int(length)])
		if err != nil {
			return nil, 0, err
		}
		if consumed != int(length) {
			return nil, 0, fmt.Errorf("codec: batch element length mismatch")
		}
		commands = append(commands, inner)
		offset += int(length)
	}
	return Batch{Commands: commands}, offset, nil
}

func decompress(data []byte) ([]byte, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("codec: truncated frame header")
	}
	flag := data[0]
	rest := data[1:]
	uncompressedLen, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, 0, fmt.Errorf("codec: malformed length prefix")
	}
	body := rest[n:]

	switch flag {
	case flagRaw:
		if uint64(len(body)) < uncompressedLen {
			return nil, 0, fmt.Errorf("codec: truncated raw payload")
		}
		payload := body[:uncompressedLen]
		return payload, 1 + n + len(payload), nil
	case flagLZ4:
		dst := make([]byte, uncompressedLen)
		written, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, 0, fmt.Errorf("codec: lz4 decompress: %w", err)
		}
		if uint64(written) != uncompressedLen {
			return nil, 0, fmt.Errorf("codec: decompressed size mismatch")
		}
		// CompressBlock doesn't tell us its own consumed length directly;
		// callers only need the compressed length for block-bounded frames,
		// which here is simply len(body) since this frame format is not
		// itself nested inside a larger compressed blob.
		return dst, 1 + n + len(body), nil
	default:
		return nil, 0, fmt.Errorf("codec: unknown compression flag %d", flag)
	}
}

func unmarshalTagged(tag byte, payload []byte) (Command, error) {
	switch tag {
	case tagSetConfig:
		var c SetConfig
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("codec: unmarshal SetConfig: %w", err)
		}
		return c, nil
	case tagDeleteConfig:
		var c DeleteConfig
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("codec: unmarshal DeleteConfig: %w", err)
		}
		return c, nil
	case tagSetNamespace:
		var c SetNamespace
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("codec: unmarshal SetNamespace: %w", err)
		}
		return c, nil
	case tagDeleteNamespace:
		var c DeleteNamespace
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("codec: unmarshal DeleteNamespace: %w", err)
		}
		return c, nil
	case tagSetConfigBlobRef:
		var c SetConfigBlobRef
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("codec: unmarshal SetConfigBlobRef: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("codec: unknown command tag %d", tag)
	}
}
