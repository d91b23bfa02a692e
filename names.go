package framecmd

import (
	"strconv"
	"strings"
)

// Name conventions shared by command producers and the interpreter.
// Producers outside this module build names with the same rules, so the
// exact strings must not change.
const (
	backbufferPrefix = "__backbuffer__"
	depthSuffix      = "_depth"
	mipSeparator     = "_miplevel_"
)

// BackbufferName returns the name of back buffer n.
func BackbufferName(n int) string {
	return backbufferPrefix + strconv.Itoa(n)
}

// IsBackbufferName reports whether name was produced by BackbufferName.
func IsBackbufferName(name string) bool {
	rest, ok := strings.CutPrefix(name, backbufferPrefix)
	if !ok || rest == "" {
		return false
	}
	_, err := strconv.ParseUint(rest, 10, 31)
	return err == nil
}

// DepthName returns the name of the depth companion of color target name.
func DepthName(name string) string {
	return name + depthSuffix
}

// MipName returns the name of the view of mip level of name.
func MipName(name string, level int) string {
	return name + mipSeparator + strconv.Itoa(level)
}

// ParseMipName splits a name produced by MipName into its base name and level.
// ok is false when name carries no mip suffix.
func ParseMipName(name string) (base string, level int, ok bool) {
	i := strings.LastIndex(name, mipSeparator)
	if i < 0 {
		return "", 0, false
	}
	digits := name[i+len(mipSeparator):]
	if digits == "" || strings.ContainsAny(digits, "+-") {
		return "", 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return "", 0, false
	}
	return name[:i], n, true
}

// MipCount returns the number of mip levels of a w x h image: the number of
// right shifts of min(w, h) until it reaches zero.
func MipCount(w, h uint32) uint32 {
	m := min(w, h)
	var n uint32
	for m > 0 {
		m >>= 1
		n++
	}
	return n
}
