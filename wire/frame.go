package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the protocol version tag carried by every frame.
const Version = "2.0"

// JSON-RPC 2.0 reserved error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Frame is one logical protocol message: a call (Method set) or a reply
// (Result or Error set). Frames travel as single newline-terminated JSON
// objects; json.Marshal never emits raw newlines, so the framing holds for
// any params value.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsReply reports whether the frame is a reply rather than a call.
func (f *Frame) IsReply() bool {
	return f.Method == "" && (f.Result != nil || f.Error != nil)
}

// RPCError is the error descriptor a worker attaches to a failed reply.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// WriteFrame serializes the frame and writes it to w followed by a single newline.
func WriteFrame(w io.Writer, f *Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ParseFrame decodes a single newline-stripped segment into a Frame.
func ParseFrame(line []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if f.JSONRPC != Version {
		return nil, fmt.Errorf("unexpected jsonrpc version %q", f.JSONRPC)
	}
	return &f, nil
}

// Decoder accumulates raw bytes and yields complete newline-terminated
// segments regardless of how the stream is chunked. A trailing partial
// segment is retained until its terminator arrives.
type Decoder struct {
	buf []byte
}

// Feed appends p to the accumulation buffer and returns every complete
// segment, without its newline terminator. The returned slices are copies and
// remain valid after the next Feed.
func (d *Decoder) Feed(p []byte) [][]byte {
	d.buf = append(d.buf, p...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return lines
		}
		line := make([]byte, i)
		copy(line, d.buf[:i])
		d.buf = d.buf[i+1:]
		lines = append(lines, line)
	}
}
