// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy allows one to read/write float tensors to Python's NumPy npy and npz file formats.
//
// Only little-endian float16 ('<f2'), float32 ('<f4') and float64 ('<f8') arrays are supported.
package numpy

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/splitbn/pkg/core/dtypes"
	"github.com/gomlx/splitbn/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const magicString = "\x93NUMPY"

// FromNpyFile reads a .npy file and returns a tensors.Tensor.
func FromNpyFile(filePath string) (*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	return FromNpyReader(file)
}

// FromNpyReader reads a .npy file from an io.Reader and returns a tensors.Tensor.
func FromNpyReader(r io.Reader) (*tensors.Tensor, error) {
	magic := make([]byte, len(magicString))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrapf(err, "failed to read magic string")
	}
	if string(magic) != magicString {
		return nil, errors.Errorf("invalid .npy file format: magic string mismatch")
	}
	version := make([]byte, 2)
	if _, err := io.ReadFull(r, version); err != nil {
		return nil, errors.Wrapf(err, "failed to read version")
	}

	var headerLen int
	switch {
	case version[0] == 1:
		lenBytes := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v1.0)")
		}
		headerLen = int(binary.LittleEndian.Uint16(lenBytes))
	case version[0] >= 2:
		lenBytes := make([]byte, 4)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, errors.Wrapf(err, "failed to read header length (v2.0+)")
		}
		headerLen = int(binary.LittleEndian.Uint32(lenBytes))
		if headerLen > 1<<20 {
			return nil, errors.Errorf("header length %d too large", headerLen)
		}
	default:
		return nil, errors.Errorf("unsupported .npy version: %d.%d", version[0], version[1])
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	// Example: "{'descr': '<f4', 'fortran_order': False, 'shape': (1, 2, 3), }"
	dtypeStr, dims, fortranOrder, err := parseNpyHeader(string(headerBytes))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse .npy header")
	}
	if strings.HasPrefix(dtypeStr, ">") {
		return nil, errors.Errorf("big-endian .npy files (%q) are not supported", dtypeStr)
	}
	dtype, err := npyDTypeToDType(dtypeStr)
	if err != nil {
		return nil, err
	}

	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			return nil, errors.Errorf(".npy arrays with zero-sized axes are not supported (shape=%v)", dims)
		}
		size *= dim
	}
	data := make([]byte, size*dtype.Size())
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor data (expected %d bytes)", len(data))
	}
	values := decodeValues(dtype, data)
	if fortranOrder && len(dims) > 1 {
		values = fortranToCLayout(dims, values)
	}
	klog.V(2).Infof("numpy: read %s array with dims %v", dtype, dims)
	return tensors.FromFloat64s(dtype, values, dims...), nil
}

func decodeValues(dtype dtypes.DType, data []byte) []float64 {
	elemSize := dtype.Size()
	values := make([]float64, len(data)/elemSize)
	for ii := range values {
		chunk := data[ii*elemSize : (ii+1)*elemSize]
		switch dtype {
		case dtypes.Float16:
			values[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32())
		case dtypes.Float32:
			values[ii] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case dtypes.Float64:
			values[ii] = math.Float64frombits(binary.LittleEndian.Uint64(chunk))
		}
	}
	return values
}

func encodeValues(dtype dtypes.DType, values []float64) []byte {
	elemSize := dtype.Size()
	data := make([]byte, len(values)*elemSize)
	for ii, v := range values {
		chunk := data[ii*elemSize : (ii+1)*elemSize]
		switch dtype {
		case dtypes.Float16:
			binary.LittleEndian.PutUint16(chunk, float16.Fromfloat32(float32(v)).Bits())
		case dtypes.Float32:
			binary.LittleEndian.PutUint32(chunk, math.Float32bits(float32(v)))
		case dtypes.Float64:
			binary.LittleEndian.PutUint64(chunk, math.Float64bits(v))
		}
	}
	return data
}

// fortranToCLayout reorders values stored in column-major (Fortran) order into row-major (C) order.
func fortranToCLayout(dims []int, fortranValues []float64) []float64 {
	cValues := make([]float64, len(fortranValues))
	coordinates := make([]int, len(dims))
	for cIndex := range cValues {
		tempIndex := cIndex
		for i := len(dims) - 1; i >= 0; i-- {
			coordinates[i] = tempIndex % dims[i]
			tempIndex /= dims[i]
		}
		fortranIndex := 0
		multiplier := 1
		for i, dim := range dims {
			fortranIndex += coordinates[i] * multiplier
			multiplier *= dim
		}
		cValues[cIndex] = fortranValues[fortranIndex]
	}
	return cValues
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// parseNpyHeader extracts dtype, shape, and fortran_order from the .npy header string.
func parseNpyHeader(header string) (dtype string, shape []int, fortranOrder bool, err error) {
	mDescr := reDescr.FindStringSubmatch(header)
	if len(mDescr) < 2 {
		err = errors.Errorf("could not find 'descr' in header: %q", header)
		return
	}
	dtype = mDescr[1]

	mFortran := reFortran.FindStringSubmatch(header)
	if len(mFortran) < 2 {
		err = errors.Errorf("could not find 'fortran_order' in header: %q", header)
		return
	}
	fortranOrder = mFortran[1] == "True"

	mShape := reShape.FindStringSubmatch(header)
	if len(mShape) < 2 {
		err = errors.Errorf("could not find 'shape' in header: %q", header)
		return
	}
	shape = []int{}
	for _, p := range strings.Split(mShape[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" { // Trailing comma, like in "(10,)".
			continue
		}
		val, pErr := strconv.Atoi(p)
		if pErr != nil {
			err = errors.Wrapf(pErr, "invalid shape value %q in header", p)
			return
		}
		shape = append(shape, val)
	}
	return
}

// npyDTypeToDType converts a NumPy dtype string to a dtypes.DType.
func npyDTypeToDType(npyType string) (dtypes.DType, error) {
	switch strings.TrimLeft(npyType, "<=|") {
	case "f2":
		return dtypes.Float16, nil
	case "f4":
		return dtypes.Float32, nil
	case "f8":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported NumPy dtype %q: only f2, f4 and f8 are supported", npyType)
}

// dtypeToNpy converts a dtypes.DType to a little-endian NumPy dtype string.
func dtypeToNpy(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float16:
		return "<f2", nil
	case dtypes.Float32:
		return "<f4", nil
	case dtypes.Float64:
		return "<f8", nil
	}
	return "", errors.Errorf("unsupported DType for .npy: %s", dtype)
}

// ToNpyWriter serializes a tensors.Tensor to an io.Writer in .npy format (version 1.0).
func ToNpyWriter(tensor *tensors.Tensor, w io.Writer) error {
	shape := tensor.Shape()
	descr, err := dtypeToNpy(shape.DType)
	if err != nil {
		return err
	}

	// Note the trailing comma in shape tuple for 1D arrays, and no comma for 0D.
	var shapeTuple string
	switch shape.Rank() {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", shape.Dimensions[0])
	default:
		dimsStr := make([]string, shape.Rank())
		for i, dim := range shape.Dimensions {
			dimsStr[i] = strconv.Itoa(dim)
		}
		shapeTuple = fmt.Sprintf("(%s)", strings.Join(dimsStr, ", "))
	}
	headerDict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shapeTuple)

	// Preamble (magic + version + header length) plus header must be a multiple of 64 bytes,
	// and the header ends with a newline.
	var headerBuf bytes.Buffer
	headerBuf.WriteString(headerDict)
	const preambleLen = len(magicString) + 2 + 2
	for (preambleLen+headerBuf.Len()+1)%64 != 0 {
		headerBuf.WriteByte(' ')
	}
	headerBuf.WriteByte('\n')
	headerBytes := headerBuf.Bytes()

	var out bytes.Buffer
	out.WriteString(magicString)
	out.Write([]byte{1, 0})
	headerLenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(headerLenBytes, uint16(len(headerBytes)))
	out.Write(headerLenBytes)
	out.Write(headerBytes)
	if _, err := w.Write(out.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write .npy header")
	}

	var values []float64
	tensor.ConstFlatData(func(flat []float64) { values = slices.Clone(flat) })
	if _, err := w.Write(encodeValues(shape.DType, values)); err != nil {
		return errors.Wrapf(err, "failed to write tensor data")
	}
	return nil
}

// ToNpyFile serializes a tensors.Tensor to a .npy file.
func ToNpyFile(tensor *tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(tensor, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npy file %q", filePath)
}

// FromNpzFile reads a .npz file and returns a map of tensor names to tensors.Tensor.
func FromNpzFile(filePath string) (map[string]*tensors.Tensor, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = file.Close() }()
	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(file, info.Size())
}

// FromNpzReader reads a .npz archive from an io.ReaderAt and size,
// returning a map of tensor names to tensors.Tensor.
func FromNpzReader(r io.ReaderAt, size int64) (map[string]*tensors.Tensor, error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create zip reader for `.npz`")
	}
	results := make(map[string]*tensors.Tensor)
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errors.Errorf("invalid path in .npz archive: %q (normalized to %q)", f.Name, cleanPath)
		}
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q within .npz", f.Name)
		}
		tensor, err := FromNpyReader(rc)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read tensor %q from .npz", f.Name)
		}
		results[strings.TrimSuffix(f.Name, ".npy")] = tensor
	}
	return results, nil
}

// ToNpzWriter serializes a map of tensors to an io.Writer as a .npz archive.
// Entries are written in sorted name order.
func ToNpzWriter(tensorsMap map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	names := make([]string, 0, len(tensorsMap))
	for name := range tensorsMap {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		npyName := name + ".npy"
		fileWriter, err := zipWriter.Create(npyName)
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", npyName)
		}
		if err := ToNpyWriter(tensorsMap[name], fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	return errors.Wrapf(zipWriter.Close(), "failed to close zip archive")
}

// ToNpzFile serializes a map of tensors to a .npz file.
func ToNpzFile(tensorsMap map[string]*tensors.Tensor, filePath string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(tensorsMap, file); err != nil {
		_ = file.Close()
		return err
	}
	return errors.Wrapf(file.Close(), "failed to close .npz file %q", filePath)
}
