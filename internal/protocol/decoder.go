package protocol

import "fmt"

// DefaultMaxPayload is the payload bound used when NewDecoder is given none.
const DefaultMaxPayload = 64 * 1024

// Decoder is a connection's receive buffer. Bytes arrive in arbitrary chunks
// through Feed; Next hands back complete frames and keeps whatever trails
// them. The buffer never grows past its limit.
//
// A Decoder belongs to a single connection and is not safe for concurrent
// use.
type Decoder struct {
	buf        []byte
	limit      int
	maxPayload int

	// pending is the header of a frame whose payload is still arriving, so
	// later passes skip re-parsing it.
	pending    header
	hasPending bool
}

// NewDecoder returns a decoder holding at most limit buffered bytes and
// accepting frame payloads of at most maxPayload bytes. The limit is raised
// when needed so one maximal frame always fits.
func NewDecoder(limit, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if limit < maxPayload+MaxHeaderSize {
		limit = maxPayload + MaxHeaderSize
	}
	return &Decoder{
		buf:        make([]byte, 0, min(limit, 4096)),
		limit:      limit,
		maxPayload: maxPayload,
	}
}

// Feed appends p to the buffer. It fails with ErrBufferFull instead of
// truncating when p does not fit.
func (d *Decoder) Feed(p []byte) error {
	if len(d.buf)+len(p) > d.limit {
		return fmt.Errorf("%w: %d buffered plus %d incoming exceeds %d bytes",
			ErrBufferFull, len(d.buf), len(p), d.limit)
	}
	d.buf = append(d.buf, p...)
	return nil
}

// Bytes returns the unconsumed buffered bytes. The slice is only valid until
// the next call to Feed, Next or Discard.
func (d *Decoder) Bytes() []byte {
	return d.buf
}

// Buffered returns the number of unconsumed bytes.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Available returns how many more bytes Feed will accept.
func (d *Decoder) Available() int {
	return d.limit - len(d.buf)
}

// Discard drops the first n buffered bytes.
func (d *Decoder) Discard(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
	} else {
		rest := copy(d.buf, d.buf[n:])
		d.buf = d.buf[:rest]
	}
	d.hasPending = false
}

// Next returns the next complete frame. ok is false with a nil error when the
// buffer does not yet hold a whole frame. Errors are fatal for the stream.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	if !d.hasPending {
		h, complete, err := parseHeader(d.buf, d.maxPayload)
		if err != nil {
			return Frame{}, false, err
		}
		if !complete {
			return Frame{}, false, nil
		}
		d.pending, d.hasPending = h, true
	}

	h := d.pending
	if len(d.buf) < h.total() {
		return Frame{}, false, nil
	}

	payload := make([]byte, h.payloadLen)
	copy(payload, d.buf[h.size:h.total()])
	if h.masked {
		MaskBytes(h.key, payload)
	}

	d.Discard(h.total())
	return Frame{Fin: h.fin, Opcode: h.opcode, Masked: h.masked, Payload: payload}, true, nil
}
