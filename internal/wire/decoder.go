package wire

import "encoding/binary"

// Result is the outcome of a single Decoder.Decode call.
type Result int

const (
	// Incomplete means the buffer did not contain a whole frame; the caller
	// must supply more bytes and call Decode again.
	Incomplete Result = iota
	// Frame means a whole frame was parsed; the returned payload is valid.
	Frame
	// TooLarge means the frame's advertised length exceeds MaxFrameLen; the
	// caller should abort the connection.
	TooLarge
)

func (r Result) String() string {
	switch r {
	case Incomplete:
		return "incomplete"
	case Frame:
		return "frame"
	case TooLarge:
		return "too large"
	default:
		return "unknown"
	}
}

type decoderState int

const (
	stateLength decoderState = iota
	statePayload
)

// Decoder turns a byte stream into frames of the form [u32 big-endian
// length][length bytes of payload], where the payload's first byte is a
// Code. It is a pure, allocation-conscious step function: Decode never
// allocates when a frame's payload lies entirely within the bytes passed to
// a single call, and the sequence of frames it emits does not depend on how
// the input stream happens to be chunked across calls.
//
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	maxFrameLen uint32

	state decoderState

	lenBuf  [4]byte
	lenHave int

	length      uint32
	payload     []byte
	payloadHave uint32
}

// NewDecoder returns a Decoder that rejects frames whose advertised length
// exceeds maxFrameLen.
func NewDecoder(maxFrameLen uint32) *Decoder {
	return &Decoder{maxFrameLen: maxFrameLen, state: stateLength}
}

// MaxFrameLen returns the configured frame-size ceiling.
func (d *Decoder) MaxFrameLen() uint32 {
	return d.maxFrameLen
}

// PendingLength returns the advertised length of the frame currently being
// assembled. It is only meaningful right after Decode returns TooLarge.
func (d *Decoder) PendingLength() uint32 {
	return d.length
}

// Decode consumes a prefix of buf, advancing internal state. It returns the
// number of bytes of buf that were consumed and the outcome of that step.
// When the outcome is Frame, frame holds the payload (the code byte
// followed by the command/response data); it aliases buf when the frame was
// fully contained in this call, and is an owned copy otherwise. The caller
// must not retain an aliased frame past its next call to Decode.
func (d *Decoder) Decode(buf []byte) (consumed int, result Result, frame []byte) {
	n := 0
	for {
		switch d.state {
		case stateLength:
			for d.lenHave < 4 && n < len(buf) {
				d.lenBuf[d.lenHave] = buf[n]
				d.lenHave++
				n++
			}
			if d.lenHave < 4 {
				return n, Incomplete, nil
			}
			d.length = binary.BigEndian.Uint32(d.lenBuf[:])
			d.lenHave = 0
			if d.length == 0 {
				// A zero-length frame has no code byte; treat it as if it
				// were oversized so the caller aborts rather than looping.
				return n, TooLarge, nil
			}
			if d.length > d.maxFrameLen {
				return n, TooLarge, nil
			}
			d.state = statePayload
			d.payloadHave = 0
			d.payload = nil
		case statePayload:
			remaining := d.length - d.payloadHave
			avail := uint32(len(buf) - n)

			if d.payloadHave == 0 && avail >= remaining {
				frame = buf[n : n+int(remaining)]
				n += int(remaining)
				d.state = stateLength
				return n, Frame, frame
			}

			if d.payload == nil {
				d.payload = make([]byte, d.length)
			}
			take := remaining
			if avail < take {
				take = avail
			}
			copy(d.payload[d.payloadHave:], buf[n:n+int(take)])
			d.payloadHave += take
			n += int(take)
			if d.payloadHave == d.length {
				frame = d.payload
				d.payload = nil
				d.state = stateLength
				return n, Frame, frame
			}
			return n, Incomplete, nil
		}
	}
}
