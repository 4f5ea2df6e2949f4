package simplestream

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const objectRefVersion = 1

var objectRefKinds = []MediaKind{MediaKindDocument, MediaKindVideo, MediaKindAudio, MediaKindPhoto}

// ObjectReference is the decoded form of a media FileID. It is immutable once decoded.
type ObjectReference struct {
	Kind             MediaKind
	EndpointID       int
	ObjectID         int64
	AccessCredential int64
	// FileReference is a freshness token; once stale the parent message must be re-fetched.
	FileReference []byte
	ThumbnailSize string
}

// EncodeObjectReference packs ref into its opaque URL-safe form.
func EncodeObjectReference(ref *ObjectReference) (string, error) {
	if ref == nil {
		return "", errors.New("nil object reference")
	}
	kind := -1
	for i, k := range objectRefKinds {
		if k == ref.Kind {
			kind = i
			break
		}
	}
	if kind < 0 {
		return "", fmt.Errorf("unsupported media kind %q", ref.Kind)
	}
	if ref.EndpointID < 0 || ref.EndpointID > math.MaxUint32 {
		return "", fmt.Errorf("endpoint id %d out of range", ref.EndpointID)
	}
	if len(ref.FileReference) > math.MaxUint16 {
		return "", errors.New("file reference too long")
	}
	if len(ref.ThumbnailSize) > math.MaxUint8 {
		return "", errors.New("thumbnail size selector too long")
	}

	var buf bytes.Buffer
	buf.WriteByte(objectRefVersion)
	buf.WriteByte(byte(kind))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ref.EndpointID))
	_ = binary.Write(&buf, binary.LittleEndian, ref.ObjectID)
	_ = binary.Write(&buf, binary.LittleEndian, ref.AccessCredential)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(ref.FileReference)))
	buf.Write(ref.FileReference)
	buf.WriteByte(byte(len(ref.ThumbnailSize)))
	buf.WriteString(ref.ThumbnailSize)

	return base64.RawURLEncoding.EncodeToString(rleEncode(buf.Bytes())), nil
}

// DecodeObjectReference unpacks an opaque handle. Every failure is a *DecodeError.
func DecodeObjectReference(s string) (*ObjectReference, error) {
	if s == "" {
		return nil, &DecodeError{Reason: "empty handle"}
	}
	packed, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	raw, err := rleDecode(packed)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid run-length encoding", Err: err}
	}

	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil {
		return nil, &DecodeError{Reason: "missing version", Err: err}
	}
	if version != objectRefVersion {
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	kind, err := r.ReadByte()
	if err != nil {
		return nil, &DecodeError{Reason: "missing kind", Err: err}
	}
	if int(kind) >= len(objectRefKinds) {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown kind %d", kind)}
	}

	var header struct {
		Endpoint uint32
		ObjectID int64
		Access   int64
		RefLen   uint16
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, &DecodeError{Reason: "truncated header", Err: err}
	}
	fileRef := make([]byte, header.RefLen)
	if _, err := io.ReadFull(r, fileRef); err != nil {
		return nil, &DecodeError{Reason: "truncated file reference", Err: err}
	}
	thumbLen, err := r.ReadByte()
	if err != nil {
		return nil, &DecodeError{Reason: "missing thumbnail size", Err: err}
	}
	thumb := make([]byte, thumbLen)
	if _, err := io.ReadFull(r, thumb); err != nil {
		return nil, &DecodeError{Reason: "truncated thumbnail size", Err: err}
	}
	if r.Len() != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("%d trailing bytes", r.Len())}
	}

	return &ObjectReference{
		Kind:             objectRefKinds[kind],
		EndpointID:       int(header.Endpoint),
		ObjectID:         header.ObjectID,
		AccessCredential: header.Access,
		FileReference:    fileRef,
		ThumbnailSize:    string(thumb),
	}, nil
}

// rleEncode collapses runs of zero bytes into a (0x00, count) pair.
func rleEncode(in []byte) []byte {
	out := make([]byte, 0, len(in))
	zeros := 0
	flush := func() {
		for zeros > 0 {
			n := zeros
			if n > math.MaxUint8 {
				n = math.MaxUint8
			}
			out = append(out, 0, byte(n))
			zeros -= n
		}
	}
	for _, b := range in {
		if b == 0 {
			zeros++
			continue
		}
		flush()
		out = append(out, b)
	}
	flush()
	return out
}

func rleDecode(in []byte) ([]byte, error) {
	out := make([]byte, 0, len(in)*2)
	for i := 0; i < len(in); i++ {
		if in[i] != 0 {
			out = append(out, in[i])
			continue
		}
		if i+1 >= len(in) {
			return nil, errors.New("dangling zero marker")
		}
		i++
		if in[i] == 0 {
			return nil, errors.New("zero-length run")
		}
		out = append(out, make([]byte, in[i])...)
	}
	return out, nil
}
