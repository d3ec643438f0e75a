package docstore

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire protocol between the hub and a store daemon.
//
// Every frame is [u32 BE length][u64 BE ref id][u8 op tag][fields...] where
// length counts everything after itself. Strings and byte blobs are encoded
// as [u32 BE length][raw bytes]. The ref id correlates a response with its
// request on the shared connection.

// Request op tags.
const (
	opPut    byte = 0x01
	opGet    byte = 0x02
	opDelete byte = 0x03
	opList   byte = 0x04
)

// Response op tags.
const (
	opOk       byte = 0x81
	opDocument byte = 0x82
	opKeyList  byte = 0x83
	opNotFound byte = 0x84
	opError    byte = 0x85
)

// maxFrameSize bounds a single frame; larger frames indicate a corrupt or
// hostile stream.
const maxFrameSize = 32 << 20

// Request is one decoded store request.
type Request struct {
	Op   byte
	Key  string
	Meta []byte
	Body []byte
}

// Response is one decoded store response.
type Response struct {
	Op      byte
	Meta    []byte
	Body    []byte
	Keys    []string
	Message string
}

type frameWriter struct {
	buf []byte
}

func (w *frameWriter) u8(v byte) { w.buf = append(w.buf, v) }
func (w *frameWriter) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}
func (w *frameWriter) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}
func (w *frameWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *frameWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func writeFrame(dst io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("docstore: frame of %d bytes exceeds limit", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := dst.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := dst.Write(body)
	return err
}

func readFrame(src io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(src, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("docstore: frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(src, body); err != nil {
		return nil, err
	}
	return body, nil
}

type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) remaining() int { return len(r.buf) - r.off }

func (r *frameReader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *frameReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *frameReader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *frameReader) bytes() ([]byte, error) {
	size, err := r.u32()
	if err != nil {
		return nil, err
	}
	if uint32(r.remaining()) < size {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]byte, size)
	copy(out, r.buf[r.off:])
	r.off += int(size)
	return out, nil
}

func (r *frameReader) str() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

// EncodeRequest writes one request frame.
func EncodeRequest(dst io.Writer, refID uint64, req *Request) error {
	w := &frameWriter{}
	w.u64(refID)
	w.u8(req.Op)
	switch req.Op {
	case opPut:
		w.str(req.Key)
		w.bytes(req.Meta)
		w.bytes(req.Body)
	case opGet, opDelete:
		w.str(req.Key)
	case opList:
	default:
		return fmt.Errorf("docstore: unknown request op 0x%02x", req.Op)
	}
	return writeFrame(dst, w.buf)
}

// DecodeRequest reads one request frame.
func DecodeRequest(src io.Reader) (uint64, *Request, error) {
	body, err := readFrame(src)
	if err != nil {
		return 0, nil, err
	}
	r := &frameReader{buf: body}

	refID, err := r.u64()
	if err != nil {
		return 0, nil, err
	}
	op, err := r.u8()
	if err != nil {
		return 0, nil, err
	}

	req := &Request{Op: op}
	switch op {
	case opPut:
		if req.Key, err = r.str(); err != nil {
			return 0, nil, err
		}
		if req.Meta, err = r.bytes(); err != nil {
			return 0, nil, err
		}
		if req.Body, err = r.bytes(); err != nil {
			return 0, nil, err
		}
	case opGet, opDelete:
		if req.Key, err = r.str(); err != nil {
			return 0, nil, err
		}
	case opList:
	default:
		return 0, nil, fmt.Errorf("docstore: unknown request op 0x%02x", op)
	}
	return refID, req, nil
}

// EncodeResponse writes one response frame.
func EncodeResponse(dst io.Writer, refID uint64, resp *Response) error {
	w := &frameWriter{}
	w.u64(refID)
	w.u8(resp.Op)
	switch resp.Op {
	case opOk, opNotFound:
	case opDocument:
		w.bytes(resp.Meta)
		w.bytes(resp.Body)
	case opKeyList:
		w.u32(uint32(len(resp.Keys)))
		for _, k := range resp.Keys {
			w.str(k)
		}
	case opError:
		w.str(resp.Message)
	default:
		return fmt.Errorf("docstore: unknown response op 0x%02x", resp.Op)
	}
	return writeFrame(dst, w.buf)
}

// DecodeResponse reads one response frame.
func DecodeResponse(src io.Reader) (uint64, *Response, error) {
	body, err := readFrame(src)
	if err != nil {
		return 0, nil, err
	}
	r := &frameReader{buf: body}

	refID, err := r.u64()
	if err != nil {
		return 0, nil, err
	}
	op, err := r.u8()
	if err != nil {
		return 0, nil, err
	}

	resp := &Response{Op: op}
	switch op {
	case opOk, opNotFound:
	case opDocument:
		if resp.Meta, err = r.bytes(); err != nil {
			return 0, nil, err
		}
		if resp.Body, err = r.bytes(); err != nil {
			return 0, nil, err
		}
	case opKeyList:
		count, cerr := r.u32()
		if cerr != nil {
			return 0, nil, cerr
		}
		// Each key costs at least its 4-byte length prefix.
		if int(count) > r.remaining()/4 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		resp.Keys = make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			k, kerr := r.str()
			if kerr != nil {
				return 0, nil, kerr
			}
			resp.Keys = append(resp.Keys, k)
		}
	case opError:
		if resp.Message, err = r.str(); err != nil {
			return 0, nil, err
		}
	default:
		return 0, nil, fmt.Errorf("docstore: unknown response op 0x%02x", op)
	}
	return refID, resp, nil
}
