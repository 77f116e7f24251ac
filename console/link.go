// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"fmt"
	"slices"
)

// Link makes dst a reader of src: bytes read from src are appended to
// dst's buffer. Linking an already linked pair does nothing.
//
// Link panics when the new edge would violate the link-graph shape
// described in the package documentation.
func Link(src, dst *Object) {
	if slices.Contains(src.readers, dst) {
		return
	}
	checkLink(src, dst)
	src.readers = append(src.readers, dst)
	dst.writers = append(dst.writers, src)
}

func checkLink(src, dst *Object) {
	switch {
	case src.Kind().IsConsole():
		switch dst.Kind() {
		case KindLogfile:
			for _, reader := range src.readers {
				if reader.Kind() == KindLogfile {
					panic(fmt.Sprintf("console: link %s -> %s: console already has logfile %s", src, dst, reader))
				}
			}
			if len(dst.writers) != 0 {
				panic(fmt.Sprintf("console: link %s -> %s: logfile already written by %s", src, dst, dst.writers[0]))
			}
		case KindClient:
			mode := dst.aux.(*clientAux).mode
			if mode == ModeWriteOnly {
				panic(fmt.Sprintf("console: link %s -> %s: write-only client cannot read a console", src, dst))
			}
			if len(dst.writers) != 0 {
				panic(fmt.Sprintf("console: link %s -> %s: client already reads %s", src, dst, dst.writers[0]))
			}
		default:
			panic(fmt.Sprintf("console: link %s -> %s: console readers must be clients or logfiles", src, dst))
		}

	case src.Kind() == KindClient:
		if !dst.Kind().IsConsole() {
			panic(fmt.Sprintf("console: link %s -> %s: clients only write to consoles", src, dst))
		}
		switch src.aux.(*clientAux).mode {
		case ModeReadOnly:
			panic(fmt.Sprintf("console: link %s -> %s: read-only client cannot write", src, dst))
		case ModeReadWrite:
			if len(src.readers) != 0 {
				panic(fmt.Sprintf("console: link %s -> %s: read-write client already writes %s", src, dst, src.readers[0]))
			}
			if len(src.writers) != 0 && src.writers[0] != dst {
				panic(fmt.Sprintf("console: link %s -> %s: read-write client reads a different console %s", src, dst, src.writers[0]))
			}
		}

	default:
		panic(fmt.Sprintf("console: link %s -> %s: %s objects have no readers", src, dst, src.Kind()))
	}
}

// Unlink is the exact inverse of Link. Unlinking a pair that is not
// linked does nothing.
func Unlink(src, dst *Object) {
	src.readers = removeObject(src.readers, dst)
	dst.writers = removeObject(dst.writers, src)
}

// UnlinkAll removes object from every peer's opposite link set and
// clears its own.
func UnlinkAll(object *Object) {
	for _, reader := range object.readers {
		reader.writers = removeObject(reader.writers, object)
	}
	for _, writer := range object.writers {
		writer.readers = removeObject(writer.readers, object)
	}
	object.readers = nil
	object.writers = nil
}

func removeObject(objects []*Object, target *Object) []*Object {
	if index := slices.Index(objects, target); index >= 0 {
		return slices.Delete(objects, index, index+1)
	}
	return objects
}
