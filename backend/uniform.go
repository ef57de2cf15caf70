package backend

// UniformKind discriminates the shapes a uniform value can take.
type UniformKind uint8

const (
	// UniformFloat is a single float32 scalar.
	UniformFloat UniformKind = iota

	// UniformInt is a single int32 scalar.
	UniformInt

	// UniformVec2 is a 2-component float vector.
	UniformVec2

	// UniformVec3 is a 3-component float vector.
	UniformVec3

	// UniformVec4 is a 4-component float vector.
	UniformVec4

	// UniformMat3 is a 3x3 column-major float matrix.
	UniformMat3

	// UniformMat4 is a 4x4 column-major float matrix.
	UniformMat4

	// UniformSampler is a texture-unit index.
	UniformSampler
)

// String returns the kind name.
func (k UniformKind) String() string {
	switch k {
	case UniformFloat:
		return "float"
	case UniformInt:
		return "int"
	case UniformVec2:
		return "vec2"
	case UniformVec3:
		return "vec3"
	case UniformVec4:
		return "vec4"
	case UniformMat3:
		return "mat3"
	case UniformMat4:
		return "mat4"
	case UniformSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// elemCount returns how many float slots each kind occupies.
func (k UniformKind) elemCount() int {
	switch k {
	case UniformVec2:
		return 2
	case UniformVec3:
		return 3
	case UniformVec4:
		return 4
	case UniformMat3:
		return 9
	case UniformMat4:
		return 16
	default:
		return 1
	}
}

// UniformValue is a tagged union over the fixed set of uniform shapes
// the device supports. The zero value is the float scalar 0.
//
// UniformValue is a comparable-free value type; use Equal for
// comparison (arrays make == legal but Equal states intent and only
// compares the slots the kind occupies).
type UniformValue struct {
	kind UniformKind
	f    [16]float32
	i    int32
}

// Float returns a float scalar uniform.
func Float(v float32) UniformValue {
	u := UniformValue{kind: UniformFloat}
	u.f[0] = v
	return u
}

// Int returns an int scalar uniform.
func Int(v int32) UniformValue {
	return UniformValue{kind: UniformInt, i: v}
}

// Vec2 returns a 2-vector uniform.
func Vec2(x, y float32) UniformValue {
	u := UniformValue{kind: UniformVec2}
	u.f[0], u.f[1] = x, y
	return u
}

// Vec3 returns a 3-vector uniform.
func Vec3(x, y, z float32) UniformValue {
	u := UniformValue{kind: UniformVec3}
	u.f[0], u.f[1], u.f[2] = x, y, z
	return u
}

// Vec4 returns a 4-vector uniform.
func Vec4(x, y, z, w float32) UniformValue {
	u := UniformValue{kind: UniformVec4}
	u.f[0], u.f[1], u.f[2], u.f[3] = x, y, z, w
	return u
}

// Mat3 returns a 3x3 matrix uniform from column-major values.
func Mat3(m [9]float32) UniformValue {
	u := UniformValue{kind: UniformMat3}
	copy(u.f[:9], m[:])
	return u
}

// Mat4 returns a 4x4 matrix uniform from column-major values.
func Mat4(m [16]float32) UniformValue {
	u := UniformValue{kind: UniformMat4}
	copy(u.f[:], m[:])
	return u
}

// Sampler returns a sampler uniform referring to a texture unit.
func Sampler(unit int) UniformValue {
	return UniformValue{kind: UniformSampler, i: int32(unit)} //nolint:gosec // G115: unit counts are small
}

// Kind returns the shape of the value.
func (u UniformValue) Kind() UniformKind { return u.kind }

// Floats returns the float slots the value occupies. Valid for float,
// vector, and matrix kinds.
func (u UniformValue) Floats() []float32 {
	return u.f[:u.kind.elemCount()]
}

// IntValue returns the int payload. Valid for UniformInt and
// UniformSampler.
func (u UniformValue) IntValue() int32 { return u.i }

// Equal reports whether two uniform values have the same kind and
// payload.
func (u UniformValue) Equal(o UniformValue) bool {
	if u.kind != o.kind {
		return false
	}
	switch u.kind {
	case UniformInt, UniformSampler:
		return u.i == o.i
	default:
		n := u.kind.elemCount()
		for i := range n {
			if u.f[i] != o.f[i] {
				return false
			}
		}
		return true
	}
}

// UniformsEqual reports whether two uniform maps contain exactly the
// same names with equal values.
func UniformsEqual(a, b map[string]UniformValue) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}
