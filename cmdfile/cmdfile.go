// Package cmdfile reads command streams from YAML and TOML files.
//
// A file holds a list of steps, each naming a command kind and its fields:
//
//	commands:
//	  - {kind: SetRenderTarget, name: rt, width: 256, height: 256}
//	  - {kind: Clear, name: rt, color: [0, 0, 0, 1]}
//	  - {kind: SetShader, name: fullscreen}
//	  - {kind: Draw, name: tri, vertices: 3}
//	  - {kind: Present, name: rt}
//
// Binding steps go through [framecmd.List], so the barriers a producer would
// queue are inserted the same way.
package cmdfile

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/framecmd"
)

// Format is a command file encoding.
type Format uint8

const (
	FormatYAML Format = iota
	FormatTOML
)

func (f Format) String() string {
	if f == FormatTOML {
		return "toml"
	}
	return "yaml"
}

var (
	// ErrFormat is returned for file extensions other than yaml, yml and toml.
	ErrFormat = errors.New("cmdfile: unsupported file format")

	// ErrStep is returned for a step that does not describe a valid command.
	ErrStep = errors.New("cmdfile: invalid step")
)

// Document is the decoded form of a command file.
type Document struct {
	Commands []Step `yaml:"commands" toml:"commands"`
}

// Step is one command. Fields that do not apply to Kind are ignored.
type Step struct {
	Kind string `yaml:"kind" toml:"kind"`
	Name string `yaml:"name" toml:"name"`

	// Barrier target: present, render_target, texture or depth_render_target.
	To string `yaml:"to,omitempty" toml:"to,omitempty"`

	Width      uint32 `yaml:"width,omitempty" toml:"width,omitempty"`
	Height     uint32 `yaml:"height,omitempty" toml:"height,omitempty"`
	Backbuffer *int   `yaml:"backbuffer,omitempty" toml:"backbuffer,omitempty"`
	Slot       uint32 `yaml:"slot,omitempty" toml:"slot,omitempty"`
	MipLevel   uint32 `yaml:"mip_level,omitempty" toml:"mip_level,omitempty"`
	Stride     uint32 `yaml:"stride,omitempty" toml:"stride,omitempty"`

	// Payload, at most one of these. Data is base64.
	Data    string    `yaml:"data,omitempty" toml:"data,omitempty"`
	Floats  []float32 `yaml:"floats,omitempty" toml:"floats,omitempty"`
	Indices []uint32  `yaml:"indices,omitempty" toml:"indices,omitempty"`

	Update    bool `yaml:"update,omitempty" toml:"update,omitempty"`
	Cull      bool `yaml:"cull,omitempty" toml:"cull,omitempty"`
	DepthTest bool `yaml:"depth_test,omitempty" toml:"depth_test,omitempty"`

	Color []float32 `yaml:"color,omitempty" toml:"color,omitempty"`
	Depth float32   `yaml:"depth,omitempty" toml:"depth,omitempty"`

	Start    uint32   `yaml:"start,omitempty" toml:"start,omitempty"`
	Count    uint32   `yaml:"count,omitempty" toml:"count,omitempty"`
	Vertices uint32   `yaml:"vertices,omitempty" toml:"vertices,omitempty"`
	Instance uint32   `yaml:"instance,omitempty" toml:"instance,omitempty"`
	Groups   []uint32 `yaml:"groups,omitempty" toml:"groups,omitempty"`
}

// FormatFor returns the format named by the extension of path.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrFormat, path)
}

// Load reads the command file at path.
func Load(path string) ([]framecmd.Command, error) {
	f, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cmds, err := Decode(bytes.NewReader(data), f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cmds, nil
}

// Decode reads a command file in format f from r. Unknown keys are errors.
func Decode(r io.Reader, f Format) ([]framecmd.Command, error) {
	var doc Document
	switch f {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("cmdfile: decode yaml: %w", err)
		}
	case FormatTOML:
		dec := toml.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("cmdfile: decode toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrFormat, f)
	}
	return doc.Build()
}

// Build converts the document's steps into commands.
func (d *Document) Build() ([]framecmd.Command, error) {
	var l framecmd.List
	for i := range d.Commands {
		if err := d.Commands[i].appendTo(&l); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return l.Commands(), nil
}

func (s *Step) appendTo(l *framecmd.List) error {
	kind, ok := framecmd.ParseKind(s.Kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrStep, s.Kind)
	}
	if s.Name == "" && !(kind == framecmd.KindSetRenderTarget && s.Backbuffer != nil) {
		return fmt.Errorf("%w: %s without a name", ErrStep, kind)
	}
	data, err := s.payload()
	if err != nil {
		return err
	}

	switch kind {
	case framecmd.KindBarrier:
		switch s.To {
		case "present":
			l.BarrierToPresent(s.Name)
		case "render_target":
			l.BarrierToRenderTarget(s.Name)
		case "texture":
			l.BarrierToTexture(s.Name)
		case "depth_render_target":
			l.BarrierToDepthRenderTarget(s.Name)
		default:
			return fmt.Errorf("%w: barrier to %q", ErrStep, s.To)
		}
	case framecmd.KindSetRenderTarget:
		if s.Backbuffer != nil {
			l.SetBackbuffer(*s.Backbuffer, s.Width, s.Height)
		} else {
			l.SetRenderTarget(s.Name, s.Width, s.Height)
		}
	case framecmd.KindSetTexture:
		l.SetTexture(s.Name, s.Slot, s.Width, s.Height, data, s.Stride)
	case framecmd.KindSetTextureUav:
		l.SetTextureUav(s.Name, s.Slot, s.Width, s.Height, s.MipLevel, data, s.Stride)
	case framecmd.KindSetVertex:
		l.SetVertex(s.Name, data, s.Stride)
	case framecmd.KindSetIndex:
		l.Append(framecmd.SetIndexCommand{Name: s.Name, Data: data})
	case framecmd.KindSetConstant:
		l.SetConstant(s.Name, s.Slot, data)
	case framecmd.KindSetShader:
		l.SetShader(s.Name, s.Update, s.Cull, s.DepthTest)
	case framecmd.KindClear:
		var c [4]float32
		if len(s.Color) > len(c) {
			return fmt.Errorf("%w: color has %d components", ErrStep, len(s.Color))
		}
		copy(c[:], s.Color)
		l.Clear(s.Name, c[0], c[1], c[2], c[3])
	case framecmd.KindClearDepth:
		l.ClearDepth(s.Name, s.Depth)
	case framecmd.KindDrawIndexed:
		l.DrawIndexed(s.Name, s.Start, s.Count, s.Instance)
	case framecmd.KindDraw:
		l.Draw(s.Name, s.Vertices, s.Instance)
	case framecmd.KindDispatch:
		g := [3]uint32{1, 1, 1}
		if len(s.Groups) > len(g) {
			return fmt.Errorf("%w: %d dispatch dimensions", ErrStep, len(s.Groups))
		}
		copy(g[:], s.Groups)
		l.Dispatch(s.Name, g[0], g[1], g[2])
	case framecmd.KindGenerateMipmap:
		l.GenerateMipmap(s.Name)
	case framecmd.KindPresent:
		l.Present(s.Name)
	}
	return nil
}

// payload returns the step's bytes from whichever payload field is set.
func (s *Step) payload() ([]byte, error) {
	set := 0
	for _, ok := range []bool{s.Data != "", len(s.Floats) > 0, len(s.Indices) > 0} {
		if ok {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("%w: more than one of data, floats and indices", ErrStep)
	}
	switch {
	case s.Data != "":
		b, err := base64.StdEncoding.DecodeString(s.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: data: %w", ErrStep, err)
		}
		return b, nil
	case len(s.Floats) > 0:
		return framecmd.Float32Bytes(s.Floats), nil
	case len(s.Indices) > 0:
		return framecmd.Uint32Bytes(s.Indices), nil
	}
	return nil, nil
}
