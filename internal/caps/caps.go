//go:build linux

// Package caps computes and applies the capability sets the Process
// Supervisor drops into before execve, per §4.4 "drop all capabilities"
// (refined here to a conservative allow-list rather than an unconditional
// drop, since judged programs still need e.g. CAP_SETUID/CAP_SETGID to
// exist harmlessly as a matching identity).
//
// Adapted from the teacher's sandbox/capabilities.go.
package caps

import (
	"fmt"
	"strings"

	"github.com/moby/sys/capability"
)

// defaultAllow mirrors the conservative baseline a judge sandbox needs:
// enough to chroot, drop privileges, and manage its own files, nothing
// that reaches the host.
var defaultAllow = []string{
	"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_FSETID", "CAP_FOWNER",
	"CAP_SETGID", "CAP_SETUID", "CAP_SYS_CHROOT", "CAP_KILL",
}

// Set is a small capability collection.
type Set map[capability.Cap]struct{}

// Options configures the supervisor's capability policy: a baseline plus
// caller add/drop overrides, per the CLI's --cap-add/--cap-drop flags.
type Options struct {
	Add  Set
	Drop Set
}

// NewSet builds a Set from the given capability ids.
func NewSet(ids ...capability.Cap) Set {
	s := make(Set, len(ids))
	s.Add(ids...)
	return s
}

func (s Set) Add(ids ...capability.Cap) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

func (s Set) Remove(ids ...capability.Cap) {
	for _, id := range ids {
		delete(s, id)
	}
}

func (s Set) Slice() []capability.Cap {
	out := make([]capability.Cap, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// Normalize strips the "CAP_" prefix and lowercases a capability name.
func Normalize(name string) string {
	s := strings.TrimSpace(strings.ToLower(name))
	return strings.TrimPrefix(s, "cap_")
}

var nameToCap = func() map[string]capability.Cap {
	m := make(map[string]capability.Cap)
	for _, c := range capability.ListKnown() {
		m[c.String()] = c
	}
	return m
}()

// FromName resolves a capability name (with or without CAP_ prefix) to its
// capability.Cap id.
func FromName(name string) (capability.Cap, error) {
	if id, ok := nameToCap[Normalize(name)]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown capability: %q", name)
}

// FromNames resolves a list of capability names.
func FromNames(names []string) ([]capability.Cap, error) {
	var out []capability.Cap
	for _, n := range names {
		id, err := FromName(n)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// Build computes the final bounding/permitted/effective/inheritable sets
// from the default allow-list plus caller overrides.
func (o Options) Build() (map[capability.CapType][]capability.Cap, error) {
	defIDs, err := FromNames(defaultAllow)
	if err != nil {
		return nil, err
	}
	set := NewSet(defIDs...)
	if len(o.Drop) > 0 {
		set.Remove(o.Drop.Slice()...)
	}
	if len(o.Add) > 0 {
		set.Add(o.Add.Slice()...)
	}
	final := set.Slice()
	return map[capability.CapType][]capability.Cap{
		capability.BOUNDING:    final,
		capability.PERMITTED:   final,
		capability.EFFECTIVE:   final,
		capability.INHERITABLE: final,
	}, nil
}

// Apply clears the current process's capability sets and installs only
// the ones computed by Build, then drops ambient capabilities. It must be
// called in the child, after the namespace/filesystem setup and before
// the seccomp filter and execve, per §4.4's launch sequence.
func (o Options) Apply() error {
	byType, err := o.Build()
	if err != nil {
		return err
	}

	proc, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("get process capabilities: %w", err)
	}

	proc.Clear(capability.BOUNDS)
	proc.Set(capability.BOUNDING, byType[capability.BOUNDING]...)

	proc.Clear(capability.CAPS)
	proc.Set(capability.PERMITTED, byType[capability.PERMITTED]...)
	proc.Set(capability.EFFECTIVE, byType[capability.EFFECTIVE]...)
	proc.Set(capability.INHERITABLE, byType[capability.INHERITABLE]...)

	proc.Clear(capability.AMBIENT)

	if err := proc.Apply(capability.CAPS | capability.BOUNDS | capability.AMBIENT); err != nil {
		return fmt.Errorf("apply capabilities: %w", err)
	}
	return nil
}
