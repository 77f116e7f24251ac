// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"errors"
	"slices"
)

var (
	// ErrDuplicateName is returned when a console is created with the
	// name of an existing console.
	ErrDuplicateName = errors.New("duplicate console name")

	// ErrDuplicateAddress is returned when a console is created with
	// the backend address (IPMI hostname, serial device, telnet
	// host:port) of an existing console.
	ErrDuplicateAddress = errors.New("duplicate console address")
)

// Registry is the master list of live objects.
type Registry struct {
	objects   []*Object
	ipmiCount int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(object *Object) {
	r.objects = append(r.objects, object)
	if object.Kind() == KindIPMI {
		r.ipmiCount++
	}
}

func (r *Registry) remove(object *Object) {
	index := slices.Index(r.objects, object)
	if index < 0 {
		return
	}
	r.objects = slices.Delete(r.objects, index, index+1)
	if object.Kind() == KindIPMI {
		r.ipmiCount--
	}
}

// Objects returns a snapshot of every live object in creation order.
func (r *Registry) Objects() []*Object {
	return slices.Clone(r.objects)
}

// Len returns the number of live objects.
func (r *Registry) Len() int {
	return len(r.objects)
}

// IPMICount returns the number of IPMI consoles ever added and not
// removed. It sizes the IPMI engine.
func (r *Registry) IPMICount() int {
	return r.ipmiCount
}

// Find returns the first object for which match returns true.
func (r *Registry) Find(match func(*Object) bool) *Object {
	for _, object := range r.objects {
		if match(object) {
			return object
		}
	}
	return nil
}

// FindConsole returns the console named name.
func (r *Registry) FindConsole(name string) *Object {
	return r.Find(func(object *Object) bool {
		return object.Kind().IsConsole() && object.name == name
	})
}

// Consoles returns every console in creation order.
func (r *Registry) Consoles() []*Object {
	var consoles []*Object
	for _, object := range r.objects {
		if object.Kind().IsConsole() {
			consoles = append(consoles, object)
		}
	}
	return consoles
}
