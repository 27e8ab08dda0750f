package core

import (
	"fmt"
	"runtime"
	"strings"
)

// System is a target architecture+OS pair an artifact may be built for.
//
// The numeric values are part of the worker contract; do not reorder.
type System int32

const (
	// SystemUnknown is the zero value. It must never appear in a resolved request.
	SystemUnknown System = iota
	Aarch64Darwin
	Aarch64Linux
	X8664Darwin
	X8664Linux
)

var systemNames = map[System]string{
	SystemUnknown: "UNKNOWN_SYSTEM",
	Aarch64Darwin: "AARCH64_DARWIN",
	Aarch64Linux:  "AARCH64_LINUX",
	X8664Darwin:   "X8664_DARWIN",
	X8664Linux:    "X8664_LINUX",
}

var systemSlugs = map[System]string{
	Aarch64Darwin: "aarch64-darwin",
	Aarch64Linux:  "aarch64-linux",
	X8664Darwin:   "x86_64-darwin",
	X8664Linux:    "x86_64-linux",
}

// String returns the enum name used on the wire.
func (s System) String() string {
	if name, ok := systemNames[s]; ok {
		return name
	}
	return fmt.Sprintf("System(%d)", int32(s))
}

// Slug returns the short "arch-os" form, e.g. "aarch64-linux".
func (s System) Slug() string {
	if slug, ok := systemSlugs[s]; ok {
		return slug
	}
	return "unknown"
}

// Valid reports whether s names a concrete target system.
func (s System) Valid() bool {
	_, ok := systemSlugs[s]
	return ok
}

// ParseSystem parses either the enum name ("X8664_LINUX") or an "arch-os"
// slug ("x86_64-linux"). "macos" is accepted as an alias of "darwin".
func ParseSystem(raw string) (System, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	n = strings.ReplaceAll(n, "macos", "darwin")

	switch n {
	case "aarch64_darwin", "aarch64-darwin", "arm64-darwin":
		return Aarch64Darwin, nil
	case "aarch64_linux", "aarch64-linux", "arm64-linux":
		return Aarch64Linux, nil
	case "x8664_darwin", "x86_64-darwin", "x86_64_darwin", "amd64-darwin":
		return X8664Darwin, nil
	case "x8664_linux", "x86_64-linux", "x86_64_linux", "amd64-linux":
		return X8664Linux, nil
	default:
		return SystemUnknown, fmt.Errorf("unknown system %q", raw)
	}
}

// HostSystem returns the System of the running process, or SystemUnknown.
func HostSystem() System {
	return systemFor(runtime.GOARCH, runtime.GOOS)
}

func systemFor(goarch, goos string) System {
	switch goarch + "/" + goos {
	case "arm64/darwin":
		return Aarch64Darwin
	case "arm64/linux":
		return Aarch64Linux
	case "amd64/darwin":
		return X8664Darwin
	case "amd64/linux":
		return X8664Linux
	default:
		return SystemUnknown
	}
}

// MarshalText encodes the system as its enum name.
func (s System) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot encode invalid system %d", int32(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts any form ParseSystem accepts.
func (s *System) UnmarshalText(text []byte) error {
	parsed, err := ParseSystem(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
