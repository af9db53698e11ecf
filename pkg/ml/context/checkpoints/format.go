// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/kdiffusion/pkg/core/tensors"
	"github.com/gomlx/kdiffusion/pkg/ml/train/ema"
	"github.com/gomlx/kdiffusion/pkg/ml/train/gns"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers"
	"github.com/gomlx/kdiffusion/pkg/ml/train/optimizers/inverselr"
	"github.com/gomlx/kdiffusion/pkg/support/xslices"
)

// Format header
//
// ---------------------------------------------------------------
// | 0                       20 | 21  | 22     21+len | body ...  |
// ---------------------------------------------------------------
// |  "kdiffusion_checkpoint"   | len |  "gzip"/"raw" |           |
//
// The body (gzip compressed or not) is:
//
//	uint64 (little endian) length of the JSON metadata
//	JSON metadata
//	tensor data, each value little endian, positions given in the metadata.
const (
	binHeader    = "kdiffusion_checkpoint"
	lenBinHeader = len(binHeader)

	// maxMetadataLength protects against reading garbage as a huge JSON length.
	maxMetadataLength = 1 << 30
)

// Tensor groups stored in a checkpoint.
const (
	GroupModel    = "model"
	GroupModelEMA = "model_ema"

	// GroupOptPrefix prefixes the optimizer slots, e.g. "opt/exp_avg".
	GroupOptPrefix = "opt/"
)

// metadata is the JSON part of the checkpoint. Required fields are pointers, so a missing key can be
// told apart from a zero value.
type metadata struct {
	Epoch    *int64            `json:"epoch"`
	Step     *int64            `json:"step"`
	Sched    *inverselr.State  `json:"sched"`
	EMASched *ema.State        `json:"ema_sched"`
	GNSStats *gns.State        `json:"gns_stats"`
	Opt      *optimizers.State `json:"opt"`
	Params   map[string]any    `json:"params,omitempty"`
	Tensors  []tensorRecord    `json:"tensors"`
}

// checkRequired returns an error naming the first required field missing from the metadata.
func (meta *metadata) checkRequired() error {
	for _, field := range []struct {
		name    string
		missing bool
	}{
		{"epoch", meta.Epoch == nil},
		{"step", meta.Step == nil},
		{"sched", meta.Sched == nil},
		{"ema_sched", meta.EMASched == nil},
	} {
		if field.missing {
			return errors.Errorf("checkpoint metadata is missing the field %q", field.name)
		}
	}
	return nil
}

// tensorRecord locates one tensor in the data section.
type tensorRecord struct {
	Group      string `json:"group"`
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
	DType      DType  `json:"dtype"`

	// Pos, Length in bytes, relative to the start of the data section.
	Pos    int64 `json:"pos"`
	Length int64 `json:"length"`
}

// namedTensor is a tensor with its position in the bundle.
type namedTensor struct {
	group, name string
	tensor      *tensors.Tensor
}

// enumerateTensors lists all tensors of the bundle in a deterministic order: model, model_ema and
// then the optimizer slots sorted by name. Within a group, tensors are sorted by name.
func (b *Bundle) enumerateTensors() []namedTensor {
	var list []namedTensor
	addGroup := func(group string, values map[string]*tensors.Tensor) {
		for _, name := range xslices.SortedKeys(values) {
			list = append(list, namedTensor{group: group, name: name, tensor: values[name]})
		}
	}
	addGroup(GroupModel, b.Model)
	addGroup(GroupModelEMA, b.ModelEMA)
	if b.Opt != nil {
		for _, slot := range b.Opt.SlotNames() {
			addGroup(GroupOptPrefix+slot, b.Opt.Slots[slot])
		}
	}
	return list
}

// Write the bundle to w.
func Write(w io.Writer, b *Bundle, options ...Option) error {
	opts := collectOptions(options...)
	if err := b.Validate(); err != nil {
		return err
	}

	// Header.
	formatName := opts.binFormat.String()
	header := make([]byte, 0, lenBinHeader+1+len(formatName))
	header = append(header, binHeader...)
	header = append(header, byte(len(formatName)))
	header = append(header, formatName...)
	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write header")
	}

	body := w
	var gz *gzip.Writer
	if opts.binFormat == BinGZIP {
		gz = gzip.NewWriter(w)
		body = gz
	}

	// Metadata, with the position of every tensor.
	meta := metadata{
		Epoch:    &b.Epoch,
		Step:     &b.Step,
		Sched:    &b.Sched,
		EMASched: &b.EMASched,
		GNSStats: b.GNSStats,
		Opt:      b.Opt,
		Params:   b.Params,
	}
	list := b.enumerateTensors()
	bytesPerValue := int64(opts.dtype.Size())
	var pos int64
	for _, nt := range list {
		length := int64(nt.tensor.Size()) * bytesPerValue
		meta.Tensors = append(meta.Tensors, tensorRecord{
			Group:      nt.group,
			Name:       nt.name,
			Dimensions: nt.tensor.Dimensions,
			DType:      opts.dtype,
			Pos:        pos,
			Length:     length,
		})
		pos += length
	}
	metaJSON, err := json.Marshal(&meta)
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint metadata")
	}
	if err := binary.Write(body, binary.LittleEndian, uint64(len(metaJSON))); err != nil {
		return errors.Wrap(err, "write metadata length")
	}
	if _, err := body.Write(metaJSON); err != nil {
		return errors.Wrap(err, "write metadata")
	}

	// Tensor data.
	var buf []byte
	for _, nt := range list {
		buf = encodeValues(buf[:0], nt.tensor.Data, opts.dtype)
		if _, err := body.Write(buf); err != nil {
			return errors.Wrapf(err, "write tensor %s/%s", nt.group, nt.name)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return errors.Wrap(err, "flush gzip")
		}
	}
	return nil
}

func encodeValues(buf []byte, values []float32, dtype DType) []byte {
	switch dtype {
	case Float16:
		for _, v := range values {
			buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(v).Bits())
		}
	default:
		for _, v := range values {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

func decodeValues(raw []byte, dtype DType) []float32 {
	size := len(raw) / dtype.Size()
	values := make([]float32, size)
	switch dtype {
	case Float16:
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*ii:])).Float32()
		}
	default:
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*ii:]))
		}
	}
	return values
}

// Read a bundle written by Write. Half-precision tensors are converted back to float32.
func Read(r io.Reader) (*Bundle, error) {
	br := bufio.NewReader(r)
	buf := make([]byte, lenBinHeader)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(buf) != binHeader {
		return nil, ErrNotCheckpoint
	}
	formatLen, err := br.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	buf = make([]byte, formatLen)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	var body io.Reader
	switch string(buf) {
	case BinGZIP.String():
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "read gzip header")
		}
		defer func() { _ = gz.Close() }()
		body = gz
	case BinUncompressed.String():
		body = br
	default:
		return nil, errors.Wrapf(ErrUnsupportedCompression, "format %q", string(buf))
	}

	var metaLen uint64
	if err := binary.Read(body, binary.LittleEndian, &metaLen); err != nil {
		return nil, errors.Wrap(err, "read metadata length")
	}
	if metaLen > maxMetadataLength {
		return nil, errors.Errorf("invalid checkpoint metadata length %d", metaLen)
	}
	metaJSON := make([]byte, metaLen)
	if _, err := io.ReadFull(body, metaJSON); err != nil {
		return nil, errors.Wrap(err, "read metadata")
	}
	var meta metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint metadata")
	}
	if err := meta.checkRequired(); err != nil {
		return nil, err
	}

	b := &Bundle{
		Epoch:    *meta.Epoch,
		Step:     *meta.Step,
		Sched:    *meta.Sched,
		EMASched: *meta.EMASched,
		GNSStats: meta.GNSStats,
		Opt:      meta.Opt,
		Params:   meta.Params,
	}
	var pos int64
	for _, rec := range meta.Tensors {
		if rec.DType.Size() == 0 {
			return nil, errors.Errorf("tensor %s/%s has unknown dtype %q", rec.Group, rec.Name, rec.DType)
		}
		if rec.Pos != pos {
			return nil, errors.Errorf("tensor %s/%s at position %d, expected %d", rec.Group, rec.Name, rec.Pos, pos)
		}
		size := int64(tensors.Size(rec.Dimensions))
		if size < 0 || rec.Length != size*int64(rec.DType.Size()) {
			return nil, errors.Errorf("tensor %s/%s with dimensions %v has invalid length %d bytes",
				rec.Group, rec.Name, rec.Dimensions, rec.Length)
		}
		raw := make([]byte, rec.Length)
		if _, err := io.ReadFull(body, raw); err != nil {
			return nil, errors.Wrapf(err, "read tensor %s/%s", rec.Group, rec.Name)
		}
		pos += rec.Length
		t := tensors.FromFlatData(decodeValues(raw, rec.DType), rec.Dimensions...)
		if err := b.set(rec.Group, rec.Name, t); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("read checkpoint at step %d with %d tensors", b.Step, len(meta.Tensors))
	return b, nil
}

// set places a tensor read from the checkpoint into its group.
func (b *Bundle) set(group, name string, t *tensors.Tensor) error {
	var target *map[string]*tensors.Tensor
	switch {
	case group == GroupModel:
		target = &b.Model
	case group == GroupModelEMA:
		target = &b.ModelEMA
	case strings.HasPrefix(group, GroupOptPrefix) && len(group) > len(GroupOptPrefix):
		if b.Opt == nil {
			return errors.Errorf("checkpoint has optimizer tensor %s/%s but no optimizer state", group, name)
		}
		if b.Opt.Slots == nil {
			b.Opt.Slots = make(map[string]map[string]*tensors.Tensor)
		}
		slot := group[len(GroupOptPrefix):]
		values := b.Opt.Slots[slot]
		if values == nil {
			values = make(map[string]*tensors.Tensor)
			b.Opt.Slots[slot] = values
		}
		if _, found := values[name]; found {
			return errors.Errorf("duplicate tensor %s/%s in checkpoint", group, name)
		}
		values[name] = t
		return nil
	default:
		return errors.Errorf("unknown tensor group %q in checkpoint", group)
	}
	if *target == nil {
		*target = make(map[string]*tensors.Tensor)
	}
	if _, found := (*target)[name]; found {
		return errors.Errorf("duplicate tensor %s/%s in checkpoint", group, name)
	}
	(*target)[name] = t
	return nil
}

// sameDimensions is used by Bundle.Validate.
func sameDimensions(a, b *tensors.Tensor) bool {
	return slices.Equal(a.Dimensions, b.Dimensions)
}
