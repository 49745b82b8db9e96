package mesh

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"

	"github.com/kwv/kabschmesh/kabsch"
)

// ErrEmptyPayload is returned when there is nothing to decode
var ErrEmptyPayload = errors.New("empty payload")

// pointsKeyword names the PNG zTXt chunk carrying a point set
const pointsKeyword = "kabschmesh:points"

// DecodePoints decodes a point set from any of:
//   - JSON array of [x, y, z] triples
//   - JSON array of {"x", "y", "z"} objects
//   - JSON object {"points": <either array form>}
//   - zlib-compressed variants of the above
//   - PNG with a zTXt chunk holding the JSON (as written by EmbedPointsPNG)
func DecodePoints(data []byte) ([]kabsch.Point, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}

	var jsonBytes []byte
	var err error

	// binary formats are checked on the untrimmed bytes
	switch {
	case IsPNG(data):
		jsonBytes, err = extractPNGzTXt(data)
		if err != nil {
			return nil, fmt.Errorf("extracting PNG zTXt: %w", err)
		}
	case trimmed[0] == '[' || trimmed[0] == '{':
		jsonBytes = trimmed
	default:
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format: not PNG, JSON, or zlib-compressed")
		}
	}

	if len(bytes.TrimSpace(jsonBytes)) == 0 {
		return nil, fmt.Errorf("decoded JSON payload is empty")
	}
	return parsePointsJSON(jsonBytes)
}

// DecodePointFile reads and decodes a point set from disk
func DecodePointFile(path string) ([]kabsch.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading point file: %w", err)
	}
	points, err := DecodePoints(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return points, nil
}

// parsePointsJSON handles the array and envelope forms
func parsePointsJSON(data []byte) ([]kabsch.Point, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	if data[0] == '{' {
		var envelope struct {
			Points json.RawMessage `json:"points"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("parsing point envelope: %w", err)
		}
		if len(envelope.Points) == 0 {
			return nil, fmt.Errorf("point envelope has no \"points\" field")
		}
		data = envelope.Points
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing point array: %w", err)
	}

	points := make([]kabsch.Point, 0, len(raw))
	for i, item := range raw {
		p, err := parsePoint(item)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		if !p.IsFinite() {
			return nil, fmt.Errorf("point %d: coordinates must be finite", i)
		}
		points = append(points, p)
	}
	return points, nil
}

func parsePoint(item json.RawMessage) (kabsch.Point, error) {
	item = bytes.TrimSpace(item)
	if len(item) == 0 {
		return kabsch.Point{}, fmt.Errorf("empty entry")
	}
	switch item[0] {
	case '[':
		var xyz []float64
		if err := json.Unmarshal(item, &xyz); err != nil {
			return kabsch.Point{}, err
		}
		if len(xyz) != 3 {
			return kabsch.Point{}, fmt.Errorf("want 3 coordinates, got %d", len(xyz))
		}
		return kabsch.Point{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
	case '{':
		var obj pointObject
		dec := json.NewDecoder(bytes.NewReader(item))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&obj); err != nil {
			return kabsch.Point{}, err
		}
		return obj.point()
	}
	return kabsch.Point{}, fmt.Errorf("want [x, y, z] or {x, y, z}")
}

// pointObject is the {x, y, z} point form. Every coordinate is required;
// a missing one is an error rather than zero.
type pointObject struct {
	X *float64 `json:"x" yaml:"x"`
	Y *float64 `json:"y" yaml:"y"`
	Z *float64 `json:"z" yaml:"z"`
}

func (o pointObject) point() (kabsch.Point, error) {
	var missing []string
	if o.X == nil {
		missing = append(missing, "x")
	}
	if o.Y == nil {
		missing = append(missing, "y")
	}
	if o.Z == nil {
		missing = append(missing, "z")
	}
	if len(missing) > 0 {
		return kabsch.Point{}, fmt.Errorf("missing coordinate %s", strings.Join(missing, ", "))
	}
	return kabsch.Point{X: *o.X, Y: *o.Y, Z: *o.Z}, nil
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// extractPNGzTXt finds the first zTXt chunk and inflates its text.
// PNG layout: 8-byte signature, then chunks of (length, type, data, CRC).
func extractPNGzTXt(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short for PNG")
	}

	pos := 8
	for pos+12 <= len(data) {
		chunkLen := binary.BigEndian.Uint32(data[pos : pos+4])
		pos += 4

		chunkType := string(data[pos : pos+4])
		pos += 4

		if uint64(pos)+uint64(chunkLen)+4 > uint64(len(data)) {
			return nil, fmt.Errorf("truncated PNG chunk")
		}

		if chunkType == "zTXt" {
			jsonBytes, err := extractZTXtData(data[pos : pos+int(chunkLen)])
			if err != nil {
				return nil, fmt.Errorf("extracting zTXt data: %w", err)
			}
			return jsonBytes, nil
		}

		pos += int(chunkLen) + 4
		if chunkType == "IEND" {
			break
		}
	}

	return nil, fmt.Errorf("no zTXt chunk found in PNG")
}

// extractZTXtData parses keyword\0method compressed_text
func extractZTXtData(data []byte) ([]byte, error) {
	nullIdx := bytes.IndexByte(data, 0)
	if nullIdx == -1 {
		return nil, fmt.Errorf("no null terminator in zTXt chunk")
	}
	if nullIdx+1 >= len(data) {
		return nil, fmt.Errorf("truncated zTXt chunk")
	}
	if method := data[nullIdx+1]; method != 0 {
		return nil, fmt.Errorf("unsupported compression method: %d", method)
	}
	return inflateZlib(data[nullIdx+2:])
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return decompressed, nil
}

// EmbedPointsPNG inserts a zTXt chunk holding points right after the IHDR
// chunk of an encoded PNG, so the image can be decoded back into a target
// set with DecodePoints.
func EmbedPointsPNG(pngData []byte, points []kabsch.Point) ([]byte, error) {
	if !IsPNG(pngData) || len(pngData) < 33 {
		return nil, fmt.Errorf("not a PNG")
	}
	payload, err := json.Marshal(struct {
		Points []kabsch.Point `json:"points"`
	}{points})
	if err != nil {
		return nil, fmt.Errorf("marshaling points: %w", err)
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compressing points: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing points: %w", err)
	}

	body := make([]byte, 0, len(pointsKeyword)+2+compressed.Len())
	body = append(body, pointsKeyword...)
	body = append(body, 0, 0)
	body = append(body, compressed.Bytes()...)

	chunk := make([]byte, 0, len(body)+12)
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(body)))
	chunk = append(chunk, "zTXt"...)
	chunk = append(chunk, body...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	// signature (8) + IHDR length, type, 13 data bytes, CRC (25)
	ihdrEnd := 8 + 25
	out := make([]byte, 0, len(pngData)+len(chunk))
	out = append(out, pngData[:ihdrEnd]...)
	out = append(out, chunk...)
	out = append(out, pngData[ihdrEnd:]...)
	return out, nil
}
