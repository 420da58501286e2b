package ustr

// / Ustr represents an immutable path or string used by the kernel.
type Ustr []uint8

// / Isdot reports whether the string equals '.'.
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// / Isdotdot reports whether the string equals '..'.
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// / Eq compares two Ustr values for equality.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// / MkUstr creates an empty Ustr value.
func MkUstr() Ustr {
	us := Ustr{}
	return us
}

// / MkUstrRoot returns a Ustr for the root directory '/'.
func MkUstrRoot() Ustr {
	us := Ustr("/")
	return us
}

// / MkUstrSlice converts a NUL-terminated byte slice to a Ustr.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == uint8(0) {
			return buf[:i]
		}
	}
	return buf
}

// / Extend appends '/' and p to the current Ustr and returns the result.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us))
	copy(tmp, us)
	r := append(tmp, '/')
	return append(r, p...)
}

// / ExtendStr appends '/' and the string p to the current Ustr.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// / IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	if len(us) == 0 {
		return false
	}
	return us[0] == '/'
}

// / IndexByte returns the index of b in the string or -1 if not present.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// Segment splits off the leading path component. Consecutive
// separators collapse; a trailing separator is left in the rest, and
// the next call on it yields an empty segment.
func (us Ustr) Segment() (Ustr, Ustr) {
	i := 0
	for i < len(us) && us[i] == '/' {
		i++
	}
	j := i
	for j < len(us) && us[j] != '/' {
		j++
	}
	return us[i:j], us[j:]
}

// / Empty reports whether no bytes remain.
func (us Ustr) Empty() bool {
	return len(us) == 0
}

// / String converts the Ustr to a Go string.
func (us Ustr) String() string {
	return string(us)
}
