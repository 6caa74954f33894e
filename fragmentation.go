package tchannel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gjtrowbridge/tchannel-go/typed"
)

var (
	// ErrMismatchedChecksumTypes: peer sent a different checksum type for a
	// continuation fragment than the first fragment declared.
	ErrMismatchedChecksumTypes = errors.New("tchannel: peer sent a different checksum type for fragment")

	// ErrWriteAfterComplete: caller attempted to write to a body after the
	// last fragment was sent.
	ErrWriteAfterComplete = errors.New("tchannel: attempted to write to a stream after the last fragment sent")

	// ErrMismatchedChecksum: local checksum calculation differs from the
	// one reported by the peer — a per-call failure (spec §4.3), never
	// fatal to the connection.
	ErrMismatchedChecksum = errors.New("tchannel: local checksum differs from peer")

	// ErrDataLeftover: caller considers an argument complete, but there is
	// more data remaining in the argument.
	ErrDataLeftover = errors.New("tchannel: more data remaining in argument")

	errTooLarge                   = errors.New("tchannel: impl error, data exceeds remaining fragment size")
	errAlignedAtEndOfOpenFragment = errors.New("tchannel: impl error; align-at-end of open fragment")
	errNoOpenChunk                = errors.New("tchannel: impl error, writeChunkData or endChunk called with no open chunk")
	errChunkAlreadyOpen           = errors.New("tchannel: impl error, beginChunk called with an already open chunk")
)

const (
	// flagMoreFragments marks a frame as non-final for its logical message.
	flagMoreFragments = 0x01
)

// outFragment is a fragment being built up for send to a peer.
type outFragment struct {
	frame         *Frame
	checksum      Checksum
	checksumBytes []byte
	chunkStart    []byte
	chunkSize     int
	remaining     []byte
}

// bytesRemaining returns the number of bytes remaining in the fragment.
func (f *outFragment) bytesRemaining() int {
	return len(f.remaining)
}

// finish closes any open chunk, sets the more-fragments flag, fills in the
// checksum, and fixes up the frame's size header.
func (f *outFragment) finish(last bool) *Frame {
	if f.chunkOpen() {
		f.endChunk()
	}

	if last {
		f.frame.Payload[0] &= ^byte(flagMoreFragments)
	} else {
		f.frame.Payload[0] |= flagMoreFragments
	}

	copy(f.checksumBytes, f.checksum.Sum())
	f.frame.Header.Size = uint16(len(f.frame.Payload)-len(f.remaining)) + FrameHeaderSize
	return f.frame
}

// writeChunkData writes data for a chunked part into the fragment. The
// data must fit entirely within the fragment's remaining space.
func (f *outFragment) writeChunkData(b []byte) (int, error) {
	if len(b) > len(f.remaining) {
		return 0, errTooLarge
	}

	if len(f.chunkStart) == 0 {
		return 0, errNoOpenChunk
	}

	copy(f.remaining, b)
	f.remaining = f.remaining[len(b):]
	f.chunkSize += len(b)
	f.checksum.Add(b)
	return len(b), nil
}

// canFitNewChunk reports whether the fragment has room for a new chunk's
// two-byte length prefix plus at least one byte of content.
func (f *outFragment) canFitNewChunk() bool {
	return len(f.remaining) > 2
}

// beginChunk reserves space for a chunk's length prefix at the current
// fragment position.
func (f *outFragment) beginChunk() error {
	if f.chunkOpen() {
		return errChunkAlreadyOpen
	}

	f.chunkStart = f.remaining[0:2]
	f.chunkSize = 0
	f.remaining = f.remaining[2:]
	return nil
}

// endChunk writes the accumulated chunk size into its reserved prefix.
func (f *outFragment) endChunk() error {
	if !f.chunkOpen() {
		return errNoOpenChunk
	}

	binary.BigEndian.PutUint16(f.chunkStart, uint16(f.chunkSize))
	f.chunkStart = nil
	f.chunkSize = 0
	return nil
}

func (f *outFragment) chunkOpen() bool { return len(f.chunkStart) > 0 }

// newOutboundFragment starts a new fragment around frame for msg, with a
// running checksum. It reserves the fragment-flag byte, writes msg's
// type-specific header, then reserves the checksum type byte and checksum
// bytes — everything after that is available for chunked argument content
// (spec §4.1, §4.3).
func newOutboundFragment(frame *Frame, msg Message, checksum Checksum) (*outFragment, error) {
	f := &outFragment{
		frame:    frame,
		checksum: checksum,
	}
	f.frame.Header.Id = msg.Id()
	f.frame.Header.Type = msg.Type()

	wbuf := typed.NewWriteBuffer(f.frame.Payload[:])

	if err := wbuf.WriteByte(0); err != nil { // reserve fragment flag
		return nil, err
	}

	if err := msg.write(wbuf); err != nil {
		return nil, err
	}

	if err := wbuf.WriteByte(byte(f.checksum.TypeCode())); err != nil {
		return nil, err
	}

	f.remaining = f.frame.Payload[wbuf.CurrentPos():]
	f.checksumBytes = f.remaining[:f.checksum.TypeCode().ChecksumSize()]
	f.remaining = f.remaining[f.checksum.TypeCode().ChecksumSize():]
	return f, nil
}

// outFragmentChannel is a pseudo-channel for sending fragments to a peer.
type outFragmentChannel interface {
	// beginFragment opens a fragment for sending, allocating a new frame.
	beginFragment() (*outFragment, error)

	// flushFragment ends the currently open fragment, optionally marking
	// it as the final fragment of the logical message.
	flushFragment(f *outFragment, last bool) error
}

// multiPartWriter is an io.Writer for a sequence of parts (arguments),
// capable of splitting a large part across several fragments. Upstream
// code writes part bytes via the regular io.Writer interface and calls
// endPart to mark where one argument ends and the next begins (spec §3:
// "args are emitted strictly in order 1→2→3").
type multiPartWriter struct {
	fragments   outFragmentChannel
	fragment    *outFragment
	alignsAtEnd bool
	complete    bool
}

func newMultiPartWriter(ch outFragmentChannel) *multiPartWriter {
	return &multiPartWriter{fragments: ch}
}

// WritePart writes an entire part in one call, via Output.WriteTo.
func (w *multiPartWriter) WritePart(output Output, last bool) error {
	if err := output.WriteTo(w); err != nil {
		return err
	}
	return w.endPart(last)
}

// Write implements io.Writer, splitting b across fragments as needed.
func (w *multiPartWriter) Write(b []byte) (int, error) {
	if w.complete {
		return 0, ErrWriteAfterComplete
	}

	written := 0
	for len(b) > 0 {
		if err := w.ensureOpenChunk(); err != nil {
			return written, err
		}

		bytesRemaining := w.fragment.bytesRemaining()
		if bytesRemaining < len(b) {
			if n, err := w.fragment.writeChunkData(b[:bytesRemaining]); err != nil {
				return written + n, err
			}
			if err := w.finishFragment(false); err != nil {
				return written, err
			}
			written += bytesRemaining
			b = b[bytesRemaining:]
		} else {
			if n, err := w.fragment.writeChunkData(b); err != nil {
				return written + n, err
			}
			written += len(b)
			w.alignsAtEnd = w.fragment.bytesRemaining() == 0
			b = nil
		}
	}

	if w.fragment != nil && w.fragment.bytesRemaining() == 0 {
		if err := w.finishFragment(false); err != nil {
			return written, err
		}
	}

	return written, nil
}

func (w *multiPartWriter) ensureOpenChunk() error {
	for {
		if w.fragment == nil {
			var err error
			if w.fragment, err = w.fragments.beginFragment(); err != nil {
				return err
			}
		}

		if w.fragment.chunkOpen() {
			return nil
		}

		if w.fragment.canFitNewChunk() {
			w.fragment.beginChunk()
			return nil
		}

		if err := w.finishFragment(false); err != nil {
			return err
		}
	}
}

func (w *multiPartWriter) finishFragment(last bool) error {
	w.fragment.endChunk()
	if err := w.fragments.flushFragment(w.fragment, last); err != nil {
		w.fragment = nil
		return err
	}

	w.fragment = nil
	return nil
}

// endPart marks the current part as complete. If the part's final chunk
// landed exactly on a fragment boundary, an extra fragment carrying a
// zero-length chunk is sent so the reader can tell the part ended there
// rather than being truncated.
func (w *multiPartWriter) endPart(last bool) error {
	if w.alignsAtEnd {
		if w.fragment != nil {
			return errAlignedAtEndOfOpenFragment
		}

		var err error
		w.fragment, err = w.fragments.beginFragment()
		if err != nil {
			return err
		}
		w.fragment.beginChunk()
		w.alignsAtEnd = false
	}

	if w.fragment != nil && w.fragment.chunkOpen() {
		w.fragment.endChunk()
	}

	if last {
		if w.fragment != nil {
			if err := w.fragments.flushFragment(w.fragment, true); err != nil {
				return err
			}
			w.fragment = nil
		}
		w.complete = true
	}

	return nil
}

// inFragment is a fragment received from a peer, pre-validated: the
// declared checksum has already been confirmed to match (spec §4.3).
type inFragment struct {
	frame    *Frame
	last     bool
	checksum Checksum
	chunks   [][]byte
}

// newInboundFragment parses frame as a fragment of msg. If checksum is nil,
// the checksum type declared by the first fragment is adopted; a subsequent
// fragment declaring a different type fails with ErrMismatchedChecksumTypes.
func newInboundFragment(frame *Frame, msg Message, checksum Checksum) (*inFragment, error) {
	f := &inFragment{
		frame:    frame,
		checksum: checksum,
	}

	payload := f.frame.Payload[:f.frame.Header.Size-FrameHeaderSize]
	rbuf := typed.NewReadBuffer(payload)

	flags, err := rbuf.ReadByte()
	if err != nil {
		return nil, err
	}
	f.last = (flags & flagMoreFragments) == 0

	if err := msg.read(rbuf); err != nil {
		return nil, err
	}

	checksumType, err := rbuf.ReadByte()
	if err != nil {
		return nil, err
	}

	if f.checksum == nil {
		f.checksum = ChecksumType(checksumType).New()
	} else if ChecksumType(checksumType) != checksum.TypeCode() {
		return nil, ErrMismatchedChecksumTypes
	}

	peerChecksum, err := rbuf.ReadBytes(f.checksum.TypeCode().ChecksumSize())
	if err != nil {
		return nil, err
	}

	for rbuf.BytesRemaining() > 0 {
		chunkSize, err := rbuf.ReadUint16()
		if err != nil {
			return nil, err
		}

		chunkBytes, err := rbuf.ReadBytes(int(chunkSize))
		if err != nil {
			return nil, err
		}

		f.chunks = append(f.chunks, chunkBytes)
		f.checksum.Add(chunkBytes)
	}

	if !bytes.Equal(peerChecksum, f.checksum.Sum()) {
		return nil, ErrMismatchedChecksum
	}

	return f, nil
}

// nextChunk consumes and returns the next chunk in the fragment, or nil if
// there are none left.
func (f *inFragment) nextChunk() []byte {
	if len(f.chunks) == 0 {
		return nil
	}

	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk
}

func (f *inFragment) hasMoreChunks() bool {
	return len(f.chunks) > 0
}

// inFragmentChannel is a pseudo-channel for receiving inbound fragments.
type inFragmentChannel interface {
	// waitForFragment blocks until the next fragment is available, or
	// returns immediately if one is already buffered and unconsumed.
	waitForFragment() (*inFragment, error)
}

// multiPartReader is an io.Reader for one logical part (argument),
// transparently pulling fragments as needed.
type multiPartReader struct {
	fragments           inFragmentChannel
	chunk               []byte
	lastChunkInFragment bool
	lastPartInMessage   bool
}

func newMultiPartReader(ch inFragmentChannel, last bool) *multiPartReader {
	return &multiPartReader{fragments: ch, lastPartInMessage: last}
}

// ReadPart reads an entire part via Input.ReadFrom, then confirms the part
// boundary via endPart.
func (r *multiPartReader) ReadPart(input Input, last bool) error {
	if err := input.ReadFrom(r); err != nil {
		return err
	}
	return r.endPart()
}

func (r *multiPartReader) Read(b []byte) (int, error) {
	totalRead := 0

	for len(b) > 0 {
		if len(r.chunk) == 0 {
			if r.lastChunkInFragment {
				return totalRead, io.EOF
			}

			nextFragment, err := r.fragments.waitForFragment()
			if err != nil {
				return totalRead, err
			}

			r.chunk = nextFragment.nextChunk()
			r.lastChunkInFragment = nextFragment.hasMoreChunks() // remaining chunks belong to later args
		}

		read := copy(b, r.chunk)
		totalRead += read
		r.chunk = r.chunk[read:]
		b = b[read:]
	}

	return totalRead, nil
}

// endPart confirms that the part ended exactly where the caller thinks it
// did: no leftover bytes in the current chunk, and (if the part ended on a
// fragment boundary) the next fragment carries only a zero-length chunk
// (spec §3: "arg boundaries align with length-prefix exhaustion").
func (r *multiPartReader) endPart() error {
	if len(r.chunk) > 0 {
		return ErrDataLeftover
	}

	if !r.lastChunkInFragment && !r.lastPartInMessage {
		nextFragment, err := r.fragments.waitForFragment()
		if err != nil {
			return err
		}

		r.chunk = nextFragment.nextChunk()
		if len(r.chunk) > 0 {
			return ErrDataLeftover
		}
	}

	return nil
}
