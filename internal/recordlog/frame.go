package recordlog

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/flexinfer/mentatlab/services/flowtrack/pkg/types"
)

// Segment file format.
//
//	header: magic(4) | version(2) | reserved(2)
//	frame:  seq(8) | payloadLen(4) | payload(JSON FlowRecord) | crc32c(4)
//
// The CRC covers seq, payloadLen and payload, so a frame is valid only if
// every byte of it reached the disk.
const (
	segmentMagic      = 0x4654524C // "FTRL"
	segmentVersion    = 1
	segmentHeaderSize = 8
	frameHeadSize     = 12
	frameCRCSize      = 4
	maxPayloadSize    = 16 << 20
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// errTornFrame marks a frame that is truncated or fails its checksum.
var errTornFrame = errors.New("torn frame")

func segmentHeader() []byte {
	var hdr [segmentHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], segmentMagic)
	binary.BigEndian.PutUint16(hdr[4:6], segmentVersion)
	return hdr[:]
}

func checkSegmentHeader(hdr []byte) error {
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != segmentMagic {
		return fmt.Errorf("bad segment magic 0x%08X", magic)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != segmentVersion {
		return fmt.Errorf("unsupported segment version %d", v)
	}
	return nil
}

// encodeFrame serializes rec into a self-describing frame.
func encodeFrame(rec *types.FlowRecord) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: record payload too large (%d bytes, max %d)", types.ErrInvalidArgument, len(payload), maxPayloadSize)
	}

	buf := make([]byte, frameHeadSize+len(payload)+frameCRCSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.SequenceNumber))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[frameHeadSize:], payload)
	sum := crc32.Checksum(buf[:frameHeadSize+len(payload)], crc32cTable)
	binary.BigEndian.PutUint32(buf[frameHeadSize+len(payload):], sum)
	return buf, nil
}

// readFrame decodes the next frame. It returns io.EOF at a clean end of
// input and errTornFrame for a partial or corrupt frame. n is the frame's
// size on disk.
func readFrame(r *bufio.Reader) (rec *types.FlowRecord, n int64, err error) {
	var head [frameHeadSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, errTornFrame
		}
		return nil, 0, err
	}

	seq := binary.BigEndian.Uint64(head[0:8])
	payloadLen := binary.BigEndian.Uint32(head[8:12])
	if payloadLen > maxPayloadSize {
		return nil, 0, errTornFrame
	}

	body := make([]byte, int(payloadLen)+frameCRCSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, errTornFrame
		}
		return nil, 0, err
	}
	payload := body[:payloadLen]

	h := crc32.New(crc32cTable)
	_, _ = h.Write(head[:])
	_, _ = h.Write(payload)
	if h.Sum32() != binary.BigEndian.Uint32(body[payloadLen:]) {
		return nil, 0, errTornFrame
	}

	var decoded types.FlowRecord
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, 0, errTornFrame
	}
	if decoded.SequenceNumber != int64(seq) {
		return nil, 0, errTornFrame
	}
	return &decoded, int64(frameHeadSize) + int64(len(body)), nil
}
