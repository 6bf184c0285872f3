package logbuffer

// BufferClaim is an exclusively claimed byte range within a term buffer.
// The producer fills Buffer and then calls Commit to make the frame visible
// to readers, or Abort to turn the range into padding. Until one of the two
// is called, readers treat the range as the end of the committed region.
type BufferClaim struct {
	term        *TermBuffer
	termID      int32
	frameOffset int32
	frameLength int32
}

// TermID is the term the claim was made in, captured at claim time.
func (c *BufferClaim) TermID() int32 {
	return c.termID
}

// FrameOffset is the offset of the frame header within the term.
func (c *BufferClaim) FrameOffset() int32 {
	return c.frameOffset
}

// FrameLength is the total frame length including the header.
func (c *BufferClaim) FrameLength() int32 {
	return c.frameLength
}

// Buffer returns the writable payload region of the claimed frame.
func (c *BufferClaim) Buffer() []byte {
	start := c.frameOffset + HeaderLength
	return c.term.buf[start : c.frameOffset+c.frameLength]
}

// Flags sets the fragment flags before commit.
func (c *BufferClaim) Flags(flags uint8) {
	c.term.buf[c.frameOffset+FlagsOffset] = flags
}

// Commit publishes the frame. The length field is written last with release
// ordering so a reader that observes it also observes the payload. After
// commit the bytes are immutable until the term is physically reused.
func (c *BufferClaim) Commit() {
	SetFrameLengthOrdered(c.term.buf, c.frameOffset, c.frameLength)
}

// Abort converts the claimed range into a pad frame so readers skip over
// it. The reservation itself cannot be undone.
func (c *BufferClaim) Abort() {
	buf := c.term.buf
	binary16(buf, c.frameOffset+TypeOffset, TypePad)
	buf[c.frameOffset+FlagsOffset] = FlagUnfragmented
	SetFrameLengthOrdered(buf, c.frameOffset, c.frameLength)
}

func binary16(buf []byte, offset int32, v uint16) {
	buf[offset] = byte(v)
	buf[offset+1] = byte(v >> 8)
}
