package checkpoints

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota
	// BinUncompressed stores the body of the checkpoint as is.
	BinUncompressed
)

// String implements the Stringer interface. It is also the name written in the header of the file.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "raw"
	default:
		return "unknown"
	}
}

// DType of the values stored in the checkpoint. In memory tensors are always float32.
type DType string

const (
	Float32 DType = "float32"

	// Float16 is used to export weights in half-precision. Values lose precision, so it's not
	// used for training checkpoints.
	Float16 DType = "float16"
)

// Size in bytes of one value, or 0 if the dtype is unknown.
func (dt DType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

type writeOptions struct {
	binFormat BinFormat
	dtype     DType
}

// Option allows parameterizing Write, Save and the Handler.
type Option func(opts *writeOptions)

func collectOptions(options ...Option) *writeOptions {
	opts := &writeOptions{binFormat: BinGZIP, dtype: Float32}
	for _, option := range options {
		option(opts)
	}
	return opts
}

// WithCompression defines the compression format of the binary files.  The default mode is BinGZIP.
func WithCompression(bf BinFormat) Option {
	return func(op *writeOptions) {
		op.binFormat = bf
		if bf != BinGZIP && bf != BinUncompressed {
			op.binFormat = BinGZIP
		}
	}
}

// WithDType sets the dtype used to store the tensor values. The default is Float32.
func WithDType(dtype DType) Option {
	return func(op *writeOptions) {
		if dtype.Size() > 0 {
			op.dtype = dtype
		}
	}
}
