package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	in := Header{Kind: KindRequest, RPC: 0xdeadbeef, Seq: 42}
	payload := []byte("tacoburrito")

	if err := WriteFrame(&buf, in, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	out, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if out != in {
		t.Errorf("header = %+v, want %+v", out, in)
	}

	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer

	in := Header{Kind: KindResponse, RPC: 1, Seq: 1}
	if err := WriteFrame(&buf, in, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	out, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	if out != in {
		t.Errorf("header = %+v, want %+v", out, in)
	}

	if len(payload) != 0 {
		t.Errorf("payload has %d bytes, want 0", len(payload))
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Header{Kind: KindBulkData, Seq: 7}, []byte("abcdef")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	// Chop off the tail of the frame.
	b := buf.Bytes()
	_, _, err := ReadFrame(bytes.NewReader(b[:len(b)-3]))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("ReadFrame on truncated input = %v, want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestFrameBadSize(t *testing.T) {
	// A size field below the fixed header size is corrupt.
	b := []byte{0, 0, 0, 1}
	if _, _, err := ReadFrame(bytes.NewReader(b)); err == nil {
		t.Error("expected error for undersized frame")
	}
}

func TestStringCodec(t *testing.T) {
	cases := []string{"", "x", "/d/some/file", string(make([]byte, 300))}

	for _, s := range cases {
		p := AppendString(nil, s)
		got, rest, err := ConsumeString(p)
		if err != nil {
			t.Fatalf("ConsumeString(%q): %v", s, err)
		}
		if got != s {
			t.Errorf("round trip = %q, want %q", got, s)
		}
		if len(rest) != 0 {
			t.Errorf("left %d residual bytes", len(rest))
		}
	}

	// Truncated length prefix.
	if _, _, err := ConsumeString([]byte{0, 0}); err != ErrShortPayload {
		t.Errorf("err = %v, want ErrShortPayload", err)
	}

	// Length prefix longer than the data.
	p := AppendUint32(nil, 10)
	p = append(p, 'a', 'b')
	if _, _, err := ConsumeString(p); err != ErrShortPayload {
		t.Errorf("err = %v, want ErrShortPayload", err)
	}
}

func TestBulkRefCodec(t *testing.T) {
	in := BulkRef{Token: 1 << 40, Size: 4096}

	p := AppendBulkRef(nil, in)
	p = AppendInt32(p, -1) // trailing field should survive

	out, rest, err := ConsumeBulkRef(p)
	if err != nil {
		t.Fatalf("ConsumeBulkRef: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	v, rest, err := ConsumeInt32(rest)
	if err != nil || v != -1 || len(rest) != 0 {
		t.Errorf("trailing field = (%d, %d bytes, %v), want (-1, 0 bytes, nil)", v, len(rest), err)
	}
}

func TestSignedCodecs(t *testing.T) {
	p := AppendInt64(AppendInt32(nil, -123), -1)

	v32, p, err := ConsumeInt32(p)
	if err != nil || v32 != -123 {
		t.Fatalf("ConsumeInt32 = (%d, %v), want (-123, nil)", v32, err)
	}

	v64, p, err := ConsumeInt64(p)
	if err != nil || v64 != -1 {
		t.Fatalf("ConsumeInt64 = (%d, %v), want (-1, nil)", v64, err)
	}

	if len(p) != 0 {
		t.Errorf("left %d residual bytes", len(p))
	}
}
