package tower

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/timmy/movierec/internal/domain"
)

// stateDictMagic prefixes every serialized state dict.
var stateDictMagic = [4]byte{'M', 'R', 'S', 'D'}

const stateDictVersion uint32 = 1

// Tensor is a named weight loaded from or written to a state dict.
type Tensor struct {
	Shape []int
	Data  []float32
}

// StateDict maps sub-module keys (e.g. "title_linear.weight") to tensors.
type StateDict map[string]Tensor

// Schema lists the keys and shapes a state dict must carry.
type Schema map[string][]int

type tensorHeader struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

type stateDictHeader struct {
	Tensors []tensorHeader `json:"tensors"`
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// WriteTo encodes the state dict: magic, version, JSON header length, header,
// then every tensor as little-endian float32 in header order.
func (sd StateDict) WriteTo(w io.Writer) (int64, error) {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	header := stateDictHeader{Tensors: make([]tensorHeader, 0, len(names))}
	for _, name := range names {
		t := sd[name]
		if numel(t.Shape) != len(t.Data) {
			return 0, fmt.Errorf("tensor %s: shape %v does not match %d values", name, t.Shape, len(t.Data))
		}
		header.Tensors = append(header.Tensors, tensorHeader{Name: name, Shape: t.Shape})
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("failed to encode state dict header: %w", err)
	}

	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}
	if _, err := cw.Write(stateDictMagic[:]); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, stateDictVersion); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, uint32(len(headerBytes))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(headerBytes); err != nil {
		return cw.n, err
	}
	buf := make([]byte, 4)
	for _, name := range names {
		for _, f := range sd[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
			if _, err := cw.Write(buf); err != nil {
				return cw.n, err
			}
		}
	}
	return cw.n, bw.Flush()
}

// ReadStateDict decodes a state dict written by WriteTo.
func ReadStateDict(r io.Reader) (StateDict, error) {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, fmt.Errorf("failed to read state dict magic: %w", err)
	}
	if magic != stateDictMagic {
		return nil, errors.New("not a state dict: bad magic")
	}
	var version, headerLen uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read state dict version: %w", err)
	}
	if version != stateDictVersion {
		return nil, fmt.Errorf("unsupported state dict version %d", version)
	}
	if err := binary.Read(br, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("failed to read state dict header length: %w", err)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(br, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read state dict header: %w", err)
	}
	var header stateDictHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to decode state dict header: %w", err)
	}

	sd := make(StateDict, len(header.Tensors))
	buf := make([]byte, 4)
	for _, th := range header.Tensors {
		data := make([]float32, numel(th.Shape))
		for i := range data {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("tensor %s truncated: %w", th.Name, err)
			}
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
		}
		sd[th.Name] = Tensor{Shape: th.Shape, Data: data}
	}
	return sd, nil
}

// Validate checks sd against schema: every key present, no extra keys, and
// every shape equal. All mismatches are reported together.
func (sd StateDict) Validate(schema Schema) error {
	var problems []string
	for name, want := range schema {
		t, ok := sd[name]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing %s", name))
			continue
		}
		if !shapeEqual(t.Shape, want) {
			problems = append(problems, fmt.Sprintf("%s has shape %v, expected %v", name, t.Shape, want))
		}
	}
	for name := range sd {
		if _, ok := schema[name]; !ok {
			problems = append(problems, fmt.Sprintf("unexpected %s", name))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return domain.Validation("state_dict", "dimension mismatch: %s", strings.Join(problems, "; "))
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func linearSchema(s Schema, prefix string, in, out int) {
	s[prefix+".weight"] = []int{out, in}
	s[prefix+".bias"] = []int{out}
}

func (sd StateDict) putLinear(prefix string, l *Linear) {
	sd[prefix+".weight"] = Tensor{Shape: []int{l.Out, l.In}, Data: toFloat32(l.Weight)}
	sd[prefix+".bias"] = Tensor{Shape: []int{l.Out}, Data: toFloat32(l.Bias)}
}

// linear builds a Linear from validated tensors.
func (sd StateDict) linear(prefix string) *Linear {
	w := sd[prefix+".weight"]
	b := sd[prefix+".bias"]
	out, in := w.Shape[0], w.Shape[1]
	return &Linear{
		In:     in,
		Out:    out,
		Weight: toFloat64(w.Data),
		Bias:   toFloat64(b.Data),
		gradW:  make([]float64, in*out),
		gradB:  make([]float64, out),
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
