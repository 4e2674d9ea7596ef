package classfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// maxPoolEntries is the largest constant_pool_count a class file can carry
const maxPoolEntries = 0xFFFF

// Redirect rewrites every reference to a class in replaced (internal names)
// so it points at prefix+name instead. String literals are left untouched:
// a UTF8 entry shared by a literal and a type reference is split in two.
// It reports whether anything changed. A class that is itself one of the
// replaced classes is never rewritten.
func (c *Class) Redirect(replaced []string, prefix string) (bool, error) {
	if len(replaced) == 0 || prefix == "" {
		return false, nil
	}
	self := c.Name()
	for _, name := range replaced {
		if self == name {
			return false, nil
		}
	}

	literals := make(map[uint16]bool)
	classNames := make(map[uint16]bool)
	// entries used as a type: only these are worth splitting off a literal
	structural := make(map[uint16]bool)
	for i := 1; i < len(c.pool); i++ {
		switch c.pool[i].tag {
		case tagString:
			literals[c.pool[i].u2(0)] = true
		case tagClass:
			classNames[c.pool[i].u2(0)] = true
			structural[c.pool[i].u2(0)] = true
		case tagMethodType:
			structural[c.pool[i].u2(0)] = true
		case tagNameAndType:
			structural[c.pool[i].u2(2)] = true
		}
	}
	for _, slot := range c.literalSlots {
		literals[binary.BigEndian.Uint16(c.rest[slot:])] = true
	}
	for _, slot := range c.descriptorSlots {
		structural[binary.BigEndian.Uint16(c.rest[slot:])] = true
	}

	redirects := make(map[uint16]uint16)
	changed := false
	// pool may grow while iterating; new entries are already rewritten
	n := len(c.pool)
	for i := 1; i < n; i++ {
		if c.pool[i].tag != tagUtf8 {
			continue
		}
		idx := uint16(i)
		if literals[idx] && !structural[idx] {
			continue
		}
		value, ok := rewriteName(c.pool[i].data, replaced, prefix, classNames[idx])
		if !ok {
			continue
		}
		changed = true
		if !literals[idx] {
			c.pool[i].data = value
			continue
		}
		if len(c.pool) >= maxPoolEntries {
			return false, fmt.Errorf("constant pool of %s is full", self)
		}
		c.pool = append(c.pool, constant{tag: tagUtf8, data: value})
		redirects[idx] = uint16(len(c.pool) - 1)
	}

	if len(redirects) > 0 {
		c.applyRedirects(redirects)
	}
	return changed, nil
}

// rewriteName returns the rewritten form of a UTF8 entry. Exact class names
// are only rewritten when the entry is used by a CONSTANT_Class; type
// descriptors and generic signatures are rewritten wherever they appear.
func rewriteName(data []byte, replaced []string, prefix string, isClassName bool) ([]byte, bool) {
	if isClassName {
		for _, name := range replaced {
			if string(data) == name {
				return []byte(prefix + name), true
			}
		}
	}

	out := data
	changed := false
	for _, name := range replaced {
		for _, term := range []string{";", "<"} {
			old := []byte("L" + name + term)
			if !bytes.Contains(out, old) {
				continue
			}
			out = bytes.ReplaceAll(out, old, []byte("L"+prefix+name+term))
			changed = true
		}
	}
	return out, changed
}

// applyRedirects points type references at split UTF8 entries
func (c *Class) applyRedirects(redirects map[uint16]uint16) {
	for i := 1; i < len(c.pool); i++ {
		k := &c.pool[i]
		var off int
		switch k.tag {
		case tagClass, tagMethodType:
			off = 0
		case tagNameAndType:
			off = 2
		default:
			continue
		}
		if to, ok := redirects[k.u2(off)]; ok {
			k.setU2(off, to)
		}
	}

	for _, slot := range c.descriptorSlots {
		from := binary.BigEndian.Uint16(c.rest[slot:])
		if to, ok := redirects[from]; ok {
			binary.BigEndian.PutUint16(c.rest[slot:], to)
		}
	}
}
