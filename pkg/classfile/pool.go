package classfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the header every class file starts with
const Magic uint32 = 0xCAFEBABE

const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

var (
	// ErrBadMagic is returned for data that does not start with CAFEBABE
	ErrBadMagic = errors.New("not a class file")

	// ErrTruncated is returned when a structure runs past the end of the data
	ErrTruncated = errors.New("truncated class file")
)

// constant is one constant pool slot. The second slot of a long or double
// has tag 0. For UTF8 entries data holds the string bytes; for all other
// tags it holds the raw payload after the tag byte.
type constant struct {
	tag  byte
	data []byte
}

func (c constant) u2(off int) uint16 {
	return binary.BigEndian.Uint16(c.data[off:])
}

func (c *constant) setU2(off int, v uint16) {
	binary.BigEndian.PutUint16(c.data[off:], v)
}

// payloadSize returns the fixed payload length of a non-UTF8 tag
func payloadSize(tag byte) (int, error) {
	switch tag {
	case tagClass, tagString, tagMethodType, tagModule, tagPackage:
		return 2, nil
	case tagMethodHandle:
		return 3, nil
	case tagInteger, tagFloat, tagFieldref, tagMethodref, tagInterfaceMethodref,
		tagNameAndType, tagDynamic, tagInvokeDynamic:
		return 4, nil
	case tagLong, tagDouble:
		return 8, nil
	default:
		return 0, fmt.Errorf("unknown constant pool tag %d", tag)
	}
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return ErrTruncated
	}
	return nil
}

func (r *reader) u1() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u2() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u4() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+n])
	r.off += n
	return out, nil
}

func (r *reader) skip(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.off += n
	return nil
}
