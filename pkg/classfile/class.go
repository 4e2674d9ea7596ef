package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Class is a class file split into its constant pool and the remaining
// bytes. Only the constant pool and a handful of u2 index slots in the
// remainder are ever modified; everything else is written back verbatim.
type Class struct {
	header []byte     // magic, minor, major
	pool   []constant // index 0 unused
	rest   []byte     // access_flags through the end of the file

	thisClass uint16
	// offsets into rest of u2 slots that point at descriptor UTF8 entries:
	// field and method descriptor_index, Signature payloads, local variable
	// descriptors and annotation type descriptors
	descriptorSlots []int
	// offsets into rest of annotation string constants, which are kept
	// verbatim like CONSTANT_String literals
	literalSlots []int
}

// Parse decodes the structure of a class file
func Parse(data []byte) (*Class, error) {
	r := &reader{buf: data}

	magic, err := r.u4()
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	if err := r.skip(4); err != nil {
		return nil, err
	}

	c := &Class{header: append([]byte(nil), data[:8]...)}

	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("invalid constant pool count 0")
	}
	c.pool = make([]constant, count)
	for i := 1; i < int(count); i++ {
		tag, err := r.u1()
		if err != nil {
			return nil, err
		}
		if tag == tagUtf8 {
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			s, err := r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			c.pool[i] = constant{tag: tag, data: s}
			continue
		}

		size, err := payloadSize(tag)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		payload, err := r.bytes(size)
		if err != nil {
			return nil, err
		}
		c.pool[i] = constant{tag: tag, data: payload}
		if tag == tagLong || tag == tagDouble {
			i++
		}
	}

	c.rest = append([]byte(nil), data[r.off:]...)
	if err := c.scanMembers(); err != nil {
		return nil, err
	}
	return c, nil
}

// scanMembers walks the structure after the constant pool to find the
// this_class index and every u2 slot that names a type.
func (c *Class) scanMembers() error {
	r := &reader{buf: c.rest}

	if err := r.skip(2); err != nil { // access_flags
		return err
	}
	this, err := r.u2()
	if err != nil {
		return err
	}
	c.thisClass = this
	if err := r.skip(2); err != nil { // super_class
		return err
	}
	ifaces, err := r.u2()
	if err != nil {
		return err
	}
	if err := r.skip(2 * int(ifaces)); err != nil {
		return err
	}

	// fields then methods share one layout
	for table := 0; table < 2; table++ {
		n, err := r.u2()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			if err := r.skip(4); err != nil { // access_flags, name_index
				return err
			}
			c.descriptorSlots = append(c.descriptorSlots, r.off)
			if err := r.skip(2); err != nil {
				return err
			}
			if err := c.scanAttributes(r); err != nil {
				return err
			}
		}
	}

	return c.scanAttributes(r)
}

func (c *Class) scanAttributes(r *reader) error {
	n, err := r.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		nameIdx, err := r.u2()
		if err != nil {
			return err
		}
		length, err := r.u4()
		if err != nil {
			return err
		}
		if err := r.need(int(length)); err != nil {
			return err
		}
		end := r.off + int(length)
		// offsets stay relative to rest; the body cannot read past its end
		body := &reader{buf: r.buf[:end], off: r.off}

		name := c.utf8(nameIdx)
		switch name {
		case "Signature":
			if length == 2 {
				c.descriptorSlots = append(c.descriptorSlots, body.off)
			}
		case "Code":
			err = c.scanCode(body)
		case "LocalVariableTable", "LocalVariableTypeTable":
			err = c.scanLocalVariables(body)
		case "RuntimeVisibleAnnotations", "RuntimeInvisibleAnnotations":
			err = c.scanAnnotations(body)
		case "RuntimeVisibleParameterAnnotations", "RuntimeInvisibleParameterAnnotations":
			err = c.scanParameterAnnotations(body)
		case "AnnotationDefault":
			err = c.scanElementValue(body)
		}
		if err != nil {
			return fmt.Errorf("%s attribute: %w", name, err)
		}
		r.off = end
	}
	return nil
}

func (c *Class) scanCode(r *reader) error {
	if err := r.skip(4); err != nil { // max_stack, max_locals
		return err
	}
	codeLen, err := r.u4()
	if err != nil {
		return err
	}
	if err := r.skip(int(codeLen)); err != nil {
		return err
	}
	handlers, err := r.u2()
	if err != nil {
		return err
	}
	if err := r.skip(8 * int(handlers)); err != nil {
		return err
	}
	return c.scanAttributes(r)
}

// scanLocalVariables covers both tables; the slot holds a descriptor in
// one and a signature in the other
func (c *Class) scanLocalVariables(r *reader) error {
	n, err := r.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		if err := r.skip(6); err != nil { // start_pc, length, name_index
			return err
		}
		c.descriptorSlots = append(c.descriptorSlots, r.off)
		if err := r.skip(4); err != nil { // descriptor_index, index
			return err
		}
	}
	return nil
}

func (c *Class) scanParameterAnnotations(r *reader) error {
	params, err := r.u1()
	if err != nil {
		return err
	}
	for i := 0; i < int(params); i++ {
		if err := c.scanAnnotations(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Class) scanAnnotations(r *reader) error {
	n, err := r.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		if err := c.scanAnnotation(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Class) scanAnnotation(r *reader) error {
	c.descriptorSlots = append(c.descriptorSlots, r.off)
	if err := r.skip(2); err != nil { // type_index
		return err
	}
	pairs, err := r.u2()
	if err != nil {
		return err
	}
	for i := 0; i < int(pairs); i++ {
		if err := r.skip(2); err != nil { // element_name_index
			return err
		}
		if err := c.scanElementValue(r); err != nil {
			return err
		}
	}
	return nil
}

func (c *Class) scanElementValue(r *reader) error {
	tag, err := r.u1()
	if err != nil {
		return err
	}
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return r.skip(2)
	case 's':
		c.literalSlots = append(c.literalSlots, r.off)
		return r.skip(2)
	case 'e':
		c.descriptorSlots = append(c.descriptorSlots, r.off)
		return r.skip(4) // type_name_index, const_name_index
	case 'c':
		c.descriptorSlots = append(c.descriptorSlots, r.off)
		return r.skip(2)
	case '@':
		return c.scanAnnotation(r)
	case '[':
		n, err := r.u2()
		if err != nil {
			return err
		}
		for i := 0; i < int(n); i++ {
			if err := c.scanElementValue(r); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown element value tag %q", tag)
	}
}

// utf8 returns the string at index i, or "" when i is not a UTF8 entry
func (c *Class) utf8(i uint16) string {
	if int(i) <= 0 || int(i) >= len(c.pool) || c.pool[i].tag != tagUtf8 {
		return ""
	}
	return string(c.pool[i].data)
}

// className resolves a CONSTANT_Class index to its internal name
func (c *Class) className(i uint16) string {
	if int(i) <= 0 || int(i) >= len(c.pool) || c.pool[i].tag != tagClass {
		return ""
	}
	return c.utf8(c.pool[i].u2(0))
}

// Name returns the internal name of the class, e.g. java/lang/Object
func (c *Class) Name() string {
	return c.className(c.thisClass)
}

// DottedName returns the binary name with dots, e.g. java.lang.Object
func (c *Class) DottedName() string {
	return strings.ReplaceAll(c.Name(), "/", ".")
}

// Bytes serializes the class
func (c *Class) Bytes() ([]byte, error) {
	if len(c.pool) > 0xFFFF {
		return nil, fmt.Errorf("constant pool too large: %d entries", len(c.pool))
	}

	var buf bytes.Buffer
	buf.Grow(len(c.header) + len(c.rest) + 16*len(c.pool))
	buf.Write(c.header)

	var u2 [2]byte
	binary.BigEndian.PutUint16(u2[:], uint16(len(c.pool)))
	buf.Write(u2[:])

	for i := 1; i < len(c.pool); i++ {
		k := c.pool[i]
		if k.tag == 0 {
			continue // second slot of a long or double
		}
		buf.WriteByte(k.tag)
		if k.tag == tagUtf8 {
			if len(k.data) > 0xFFFF {
				return nil, fmt.Errorf("constant %d: string too long", i)
			}
			binary.BigEndian.PutUint16(u2[:], uint16(len(k.data)))
			buf.Write(u2[:])
		}
		buf.Write(k.data)
	}

	buf.Write(c.rest)
	return buf.Bytes(), nil
}
