// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import "fmt"

// Reader sequentially decodes header bytes out of a Packet without ever
// copying the whole buffer; it tracks a read cursor and hands the parser
// short-lived byte slices for each header.
type Reader struct {
	pkt Packet
	pos int
}

// NewReader returns a Reader positioned at the start of pkt.
func NewReader(pkt Packet) *Reader {
	return &Reader{pkt: pkt}
}

// Pos returns the current read offset.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return r.pkt.Len() - r.pos }

// Seek moves the cursor to an absolute offset.
func (r *Reader) Seek(off int) error {
	if off < 0 || off > r.pkt.Len() {
		return fmt.Errorf("packet: seek %d out of range (len %d)", off, r.pkt.Len())
	}
	r.pos = off
	return nil
}

// Take reads the next n bytes and advances the cursor.
func (r *Reader) Take(n int) ([]byte, error) {
	b, err := r.pkt.ReadAt(r.pos, n)
	if err != nil {
		return nil, err
	}
	r.pos += n
	return b, nil
}

// Peek reads the next n bytes without advancing the cursor.
func (r *Reader) Peek(n int) ([]byte, error) {
	return r.pkt.ReadAt(r.pos, n)
}
