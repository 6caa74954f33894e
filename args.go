package tchannel

import "io"

// Output is something that can write itself into one of a call's three
// argument streams. Schemes implement Output to serialize headers/bodies
// without the transport ever inspecting their bytes (spec §1).
type Output interface {
	WriteTo(w io.Writer) error
}

// Input is something that can read itself out of one of a call's three
// argument streams.
type Input interface {
	ReadFrom(r io.Reader) error
}

// BytesOutput is an Output backed by a fixed byte slice — the common case
// for the raw scheme and for tests.
type BytesOutput []byte

func (b BytesOutput) WriteTo(w io.Writer) error {
	_, err := w.Write(b)
	return err
}

// BytesInput is an Input that accumulates everything read into *b.
type BytesInput struct {
	b *[]byte
}

// NewBytesInput returns an Input that stores the fully read argument into b.
func NewBytesInput(b *[]byte) BytesInput {
	return BytesInput{b: b}
}

func (in BytesInput) ReadFrom(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	*in.b = buf
	return nil
}
