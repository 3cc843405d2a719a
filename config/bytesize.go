package config

import "github.com/c2h5oh/datasize"

// byteSizeValue adapts datasize.ByteSize to pflag.Value so flags like
// --warmup-min-memory accept the same human-readable suffixes
// (512MB, 2GB) the teacher's own datasize.ByteSize fields parse from
// config files, instead of requiring a raw byte count on the CLI.
type byteSizeValue struct {
	dst *datasize.ByteSize
}

func newByteSizeValue(val datasize.ByteSize, dst *datasize.ByteSize) *byteSizeValue {
	*dst = val
	return &byteSizeValue{dst: dst}
}

func (v *byteSizeValue) String() string {
	if v.dst == nil {
		return ""
	}
	return v.dst.String()
}

func (v *byteSizeValue) Set(s string) error {
	return v.dst.UnmarshalText([]byte(s))
}

func (v *byteSizeValue) Type() string { return "byteSize" }
