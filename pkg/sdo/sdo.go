// Package sdo implements the expedited SDO transfer codec : command
// specifier selection by data width on the way out, and the inverse
// mapping for responses on the way in. Segmented and block transfers
// are out of scope.
package sdo

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidWidth        = errors.New("size must be one of 8, 16, 24 or 32 bits")
	ErrUnrecognizedCommand = errors.New("unrecognized SDO command specifier")
	ErrShortPayload        = errors.New("SDO payload too short")
)

// Command specifiers used by expedited transfers.
const (
	CommandUploadRequest    uint8 = 0x40
	CommandDownloadResponse uint8 = 0x60
	CommandAbort            uint8 = 0x80

	commandDownload32 uint8 = 0x23
	commandDownload24 uint8 = 0x27
	commandDownload16 uint8 = 0x2B
	commandDownload8  uint8 = 0x2F

	commandUpload32 uint8 = 0x43
	commandUpload24 uint8 = 0x47
	commandUpload16 uint8 = 0x4B
	commandUpload8  uint8 = 0x4F
	// Expedited upload without size indication, full 4 bytes valid.
	commandUploadNoSize uint8 = 0x42
)

// downloadCommands maps a width in bits to its write specifier.
var downloadCommands = map[uint8]uint8{
	8:  commandDownload8,
	16: commandDownload16,
	24: commandDownload24,
	32: commandDownload32,
}

// uploadWidths maps expedited upload response specifiers to widths.
var uploadWidths = map[uint8]uint8{
	commandUpload8:      8,
	commandUpload16:     16,
	commandUpload24:     24,
	commandUpload32:     32,
	commandUploadNoSize: 32,
}

var downloadWidths = map[uint8]uint8{
	commandDownload8:  8,
	commandDownload16: 16,
	commandDownload24: 24,
	commandDownload32: 32,
}

// A Transfer is an expedited read or write intent for one object
// dictionary entry. Value is ignored on reads.
type Transfer struct {
	Index    uint16
	SubIndex uint8
	SizeBits uint8
	Value    uint32
	IsRead   bool
}

func widthMask(sizeBits uint8) uint32 {
	if sizeBits >= 32 {
		return 0xFFFFFFFF
	}
	return 1<<sizeBits - 1
}

// Encode builds the 8-byte SDO request payload. Reads always use the
// upload specifier regardless of SizeBits; writes select the
// specifier by width and fail with ErrInvalidWidth otherwise.
func Encode(t Transfer) ([8]byte, error) {
	var out [8]byte
	if t.IsRead {
		out[0] = CommandUploadRequest
	} else {
		command, ok := downloadCommands[t.SizeBits]
		if !ok {
			return out, ErrInvalidWidth
		}
		out[0] = command
		binary.LittleEndian.PutUint32(out[4:8], t.Value&widthMask(t.SizeBits))
	}
	binary.LittleEndian.PutUint16(out[1:3], t.Index)
	out[3] = t.SubIndex
	return out, nil
}

// A Result is the decoded form of an SDO payload.
type Result struct {
	Transfer
	Command uint8
	// IsResponse is set for download acknowledge, expedited upload
	// response and abort payloads.
	IsResponse bool
	// Abort is non-zero when Command is the abort specifier.
	Abort Abort
}

// Decode performs the inverse mapping from command specifier to
// transfer. An unrecognized specifier yields ErrUnrecognizedCommand
// instead of a guessed value.
func Decode(payload []byte) (Result, error) {
	var res Result
	if len(payload) < 4 {
		return res, ErrShortPayload
	}
	res.Command = payload[0]
	res.Index = binary.LittleEndian.Uint16(payload[1:3])
	res.SubIndex = payload[3]

	value := uint32(0)
	if len(payload) >= 8 {
		value = binary.LittleEndian.Uint32(payload[4:8])
	}

	switch {
	case res.Command == CommandUploadRequest:
		res.IsRead = true
	case res.Command == CommandDownloadResponse:
		res.IsResponse = true
	case res.Command == CommandAbort:
		res.IsResponse = true
		res.Abort = Abort(value)
	default:
		if width, ok := downloadWidths[res.Command]; ok {
			res.SizeBits = width
			res.Value = value & widthMask(width)
			break
		}
		if width, ok := uploadWidths[res.Command]; ok {
			res.IsRead = true
			res.IsResponse = true
			res.SizeBits = width
			res.Value = value & widthMask(width)
			break
		}
		return res, ErrUnrecognizedCommand
	}
	return res, nil
}
