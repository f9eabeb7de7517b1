package peerwire

// receiveBuffer is the window over incoming bytes for the packet currently
// being received. Three offsets partition the physical buffer:
//
//	0 ...... start ............. validEnd ......... cap(buf)
//	         |- current packet -|
//
// start is the physical offset of the packet's first byte, validEnd is one
// past the last received byte, and start <= validEnd <= len(buf) always
// holds. A disk buffer can be attached, in which case it is logically
// appended after validEnd and receives all further bytes of the packet,
// avoiding a copy of piece payloads out of the network buffer.
type receiveBuffer struct {
	buf      []byte
	start    int
	validEnd int
	// Expected size of the packet being received, counting only the part
	// destined for the main buffer when a disk buffer is attached.
	packetSize int

	disk     *pooledBuffer
	diskSize int // expected payload bytes in the disk buffer
	diskEnd  int // payload bytes received so far
}

// reset prepares for the next packet of the given expected size. Any bytes
// already received beyond the previous packet stay in the window.
func (rb *receiveBuffer) reset(packetSize int) {
	if rb.disk != nil {
		panic("disk buffer still attached")
	}
	rb.packetSize = packetSize
}

// received bytes of the current packet present, including any attached disk
// buffer contents.
func (rb *receiveBuffer) received() int {
	return rb.validEnd - rb.start + rb.diskEnd
}

func (rb *receiveBuffer) packetComplete() bool {
	return rb.received() >= rb.packetSize+rb.diskSize
}

// window is the main-buffer portion of the current packet.
func (rb *receiveBuffer) window() []byte {
	end := rb.start + rb.packetSize
	if end > rb.validEnd {
		end = rb.validEnd
	}
	return rb.buf[rb.start:end]
}

// space returns where the next bytes should be read into, at most max bytes.
// While a disk buffer is attached and the main part of the packet is full,
// reads land directly in the disk buffer.
func (rb *receiveBuffer) space(max int) []byte {
	if rb.disk != nil && rb.validEnd-rb.start >= rb.packetSize {
		want := rb.diskSize - rb.diskEnd
		if want > max {
			want = max
		}
		return rb.disk.bytes()[rb.diskEnd : rb.diskEnd+want]
	}
	want := rb.packetSize - (rb.validEnd - rb.start)
	if want > max {
		want = max
	}
	rb.reserve(want)
	return rb.buf[rb.validEnd : rb.validEnd+want]
}

// advance records that n bytes were read into the slice last returned by
// space.
func (rb *receiveBuffer) advance(n int) {
	if rb.disk != nil && rb.validEnd-rb.start >= rb.packetSize {
		rb.diskEnd += n
		if rb.diskEnd > rb.diskSize {
			panic("receive overran disk buffer")
		}
		return
	}
	rb.validEnd += n
	if rb.validEnd > len(rb.buf) {
		panic("receive overran buffer")
	}
}

// reserve ensures capacity for n more bytes past validEnd, compacting or
// growing the physical buffer as needed.
func (rb *receiveBuffer) reserve(n int) {
	if rb.validEnd+n <= len(rb.buf) {
		return
	}
	used := rb.validEnd - rb.start
	if used+n <= len(rb.buf) {
		// Fold the window back to the front.
		copy(rb.buf, rb.buf[rb.start:rb.validEnd])
	} else {
		bigger := make([]byte, used+n)
		copy(bigger, rb.buf[rb.start:rb.validEnd])
		rb.buf = bigger
	}
	rb.start = 0
	rb.validEnd = used
}

// cut removes size bytes at the given offset into the window and sets the
// next expected packet size. Unconsumed trailing bytes are preserved, which
// is how a message boundary found mid-buffer hands the remainder to the next
// packet.
func (rb *receiveBuffer) cut(size, newPacketSize, offset int) {
	if offset < 0 || rb.start+offset+size > rb.validEnd {
		panic("cut out of range")
	}
	if offset == 0 {
		rb.start += size
	} else {
		copy(rb.buf[rb.start+offset:], rb.buf[rb.start+offset+size:rb.validEnd])
		rb.validEnd -= size
	}
	rb.packetSize = newPacketSize
}

// attachDiskBuffer directs the next size payload bytes of the current packet
// into b. The window's main part keeps only what has already been received.
func (rb *receiveBuffer) attachDiskBuffer(b *pooledBuffer, size int) {
	if rb.disk != nil {
		panic("disk buffer already attached")
	}
	if size > len(b.bytes()) {
		panic("disk buffer too small")
	}
	rb.disk = b
	rb.diskSize = size
	rb.diskEnd = 0
	// Whatever already landed in the main buffer past the packet's main part
	// belongs to the payload; move it over.
	extra := rb.validEnd - (rb.start + rb.packetSize)
	if extra > 0 {
		rb.diskEnd = copy(b.bytes(), rb.buf[rb.start+rb.packetSize:rb.validEnd])
		rb.validEnd = rb.start + rb.packetSize
	}
}

// detachDiskBuffer hands ownership of the attached buffer to the caller.
func (rb *receiveBuffer) detachDiskBuffer() (b *pooledBuffer, n int) {
	b, n = rb.disk, rb.diskEnd
	rb.disk = nil
	rb.diskSize = 0
	rb.diskEnd = 0
	return
}

// releaseDiskBuffer returns any attached buffer to its pool. Called on every
// teardown path so an attached buffer can't leak.
func (rb *receiveBuffer) releaseDiskBuffer() {
	if rb.disk == nil {
		return
	}
	b, _ := rb.detachDiskBuffer()
	b.release()
}
