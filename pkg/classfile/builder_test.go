package classfile

import (
	"bytes"
	"encoding/binary"
)

// classBuilder assembles minimal class files for tests
type classBuilder struct {
	pool  bytes.Buffer
	count uint16
}

type testAttr struct {
	name uint16
	data []byte
}

type testMember struct {
	name, desc uint16
	attrs      []testAttr
}

func newClassBuilder() *classBuilder {
	return &classBuilder{count: 1}
}

func (b *classBuilder) add(tag byte, payload []byte, slots uint16) uint16 {
	idx := b.count
	b.pool.WriteByte(tag)
	b.pool.Write(payload)
	b.count += slots
	return idx
}

func (b *classBuilder) utf8(s string) uint16 {
	payload := append(be16(uint16(len(s))), s...)
	return b.add(tagUtf8, payload, 1)
}

func (b *classBuilder) class(name string) uint16 {
	return b.add(tagClass, be16(b.utf8(name)), 1)
}

func (b *classBuilder) classRef(nameIdx uint16) uint16 {
	return b.add(tagClass, be16(nameIdx), 1)
}

func (b *classBuilder) str(utf8Idx uint16) uint16 {
	return b.add(tagString, be16(utf8Idx), 1)
}

func (b *classBuilder) nameAndType(name, desc uint16) uint16 {
	return b.add(tagNameAndType, append(be16(name), be16(desc)...), 1)
}

func (b *classBuilder) methodType(desc uint16) uint16 {
	return b.add(tagMethodType, be16(desc), 1)
}

func (b *classBuilder) long(v uint64) uint16 {
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], v)
	return b.add(tagLong, payload[:], 2)
}

func (b *classBuilder) build(this, super uint16, fields, methods []testMember, attrs []testAttr) []byte {
	var out bytes.Buffer
	out.Write(be32(Magic))
	out.Write(be16(0))
	out.Write(be16(52))
	out.Write(be16(b.count))
	out.Write(b.pool.Bytes())

	out.Write(be16(0x21))
	out.Write(be16(this))
	out.Write(be16(super))
	out.Write(be16(0))

	for _, table := range [][]testMember{fields, methods} {
		out.Write(be16(uint16(len(table))))
		for _, m := range table {
			out.Write(be16(0x1))
			out.Write(be16(m.name))
			out.Write(be16(m.desc))
			writeAttrs(&out, m.attrs)
		}
	}
	writeAttrs(&out, attrs)
	return out.Bytes()
}

func writeAttrs(out *bytes.Buffer, attrs []testAttr) {
	out.Write(be16(uint16(len(attrs))))
	for _, a := range attrs {
		out.Write(be16(a.name))
		out.Write(be32(uint32(len(a.data))))
		out.Write(a.data)
	}
}

func be16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

// simpleClass builds a class named name extending java/lang/Object with
// no members
func simpleClass(name string) []byte {
	b := newClassBuilder()
	this := b.class(name)
	super := b.class("java/lang/Object")
	return b.build(this, super, nil, nil, nil)
}
