package topology

import (
	"errors"
	"fmt"

	"github.com/zfett/vpipe/internal/hw"
)

const (
	// Threshold4K is the output width at and above which the slicer splits
	Threshold4K = 3840
	// MaxPaths is the number of display paths
	MaxPaths = 4
	// SlicesPerPath is the stride between the chain stages of two paths
	SlicesPerPath = 4
)

var (
	ErrInvalidPath = errors.New("invalid display path")
	ErrPartition   = errors.New("slice partition does not cover output width")
	ErrLayout      = errors.New("layout not supported for this configuration")
	ErrGeometry    = errors.New("invalid geometry")
)

// Fault is a topology error reported before any hardware side effect
type Fault struct {
	Path   int
	Reason string
	Err    error
}

// Error implements the error interface
func (f *Fault) Error() string {
	if f.Path < 0 {
		return fmt.Sprintf("topology: %s: %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("topology: path %d: %s: %v", f.Path, f.Reason, f.Err)
}

// Unwrap returns the sentinel
func (f *Fault) Unwrap() error { return f.Err }

// Layout is the dual/quad pipe grouping of a path
type Layout int

const (
	LayoutSingle Layout = iota
	LayoutDual
	LayoutQuad
)

// String returns the layout name
func (l Layout) String() string {
	switch l {
	case LayoutSingle:
		return "single"
	case LayoutDual:
		return "dual"
	case LayoutQuad:
		return "quad"
	default:
		return "unknown"
	}
}

// ParseLayout parses a layout name
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "single":
		return LayoutSingle, nil
	case "dual":
		return LayoutDual, nil
	case "quad":
		return LayoutQuad, nil
	default:
		return LayoutSingle, fmt.Errorf("unknown layout %q", s)
	}
}

// PipeCount returns how many parallel chains the layout provides
func (l Layout) PipeCount() int {
	switch l {
	case LayoutDual:
		return 2
	case LayoutQuad:
		return 4
	default:
		return 1
	}
}

// Config is the geometry of one display path
type Config struct {
	Path      int
	Layout    Layout
	InWidth   int
	InHeight  int
	OutWidth  int
	OutHeight int
	CropX     int
	CropY     int
	// CropHeight defaults to InHeight-CropY
	CropHeight int
	Compressed bool
}

func (c Config) cropHeight() int {
	if c.CropHeight > 0 {
		return c.CropHeight
	}
	return c.InHeight - c.CropY
}

// SplitKind tags the Split variant
type SplitKind int

const (
	// SplitChain is one slicer->crop->resizer->write engine chain
	SplitChain SplitKind = iota
	// SplitDirect has the write engine draw from the stream converter
	SplitDirect
	// SplitSliced fans the slicer out into parallel chains
	SplitSliced
)

// Split is the tagged variant selecting the wiring rule of a path
type Split struct {
	Kind   SplitKind
	Slices int
}

// String returns e.g. "sliced/4"
func (s Split) String() string {
	switch s.Kind {
	case SplitChain:
		return "chain"
	case SplitDirect:
		return "direct"
	default:
		return fmt.Sprintf("sliced/%d", s.Slices)
	}
}

// Edge is one connect-graph route
type Edge struct {
	From hw.StageID
	To   hw.StageID
}

// Chain is the geometry of one crop->resize->write path through the graph
type Chain struct {
	Index       int
	Crop        hw.StageID
	Resizer     hw.StageID
	WriteEngine hw.StageID
	Direct      bool

	Quadrant Quadrant

	CropParams    hw.StageParams
	ResizerParams hw.StageParams
	Region        hw.Region
}

// Active reports whether the chain carries any output columns
func (c Chain) Active() bool { return c.Region.OutWidth > 0 }

// Plan is the full wiring of a configuration
type Plan struct {
	Path   int
	Split  Split
	Config Config
	// Stages lists every stage in causal order
	Stages  []hw.StageID
	Edges   []Edge
	Members []hw.StageID
	Chains  []Chain
	Slicer  hw.StageParams
}

// WriteEngines returns the write engines of active chains
func (p *Plan) WriteEngines() []hw.StageID {
	var out []hw.StageID
	for _, c := range p.Chains {
		if c.Active() {
			out = append(out, c.WriteEngine)
		}
	}
	return out
}

// StageParams returns the configuration of a stage in the plan
func (p *Plan) StageParams(id hw.StageID) hw.StageParams {
	if id.Kind == hw.KindSlicer || id.Kind == hw.KindStreamConverter || id.Kind == hw.KindLineCompare {
		return p.Slicer
	}
	for _, c := range p.Chains {
		switch id {
		case c.Crop:
			return c.CropParams
		case c.Resizer:
			return c.ResizerParams
		case c.WriteEngine:
			r := c.Region
			return hw.StageParams{
				InWidth: r.InWidth, InHeight: r.InHeight,
				OutWidth: r.OutWidth, OutHeight: r.OutHeight,
				X: r.X, Y: r.Y, Compressed: p.Config.Compressed,
			}
		}
	}
	return hw.StageParams{}
}

func stage(kind hw.StageKind, index int) hw.StageID {
	return hw.StageID{Kind: kind, Index: index}
}

// directPath reports whether a path's sub-4K write engine draws straight from
// the stream converter
func directPath(path int) bool { return path >= 2 }

// Build validates cfg and derives its wiring. It never touches hardware.
func Build(cfg Config) (*Plan, error) {
	p := cfg.Path
	if p < 0 || p >= MaxPaths {
		return nil, &Fault{Path: p, Reason: "path out of range", Err: ErrInvalidPath}
	}
	if cfg.InWidth <= 0 || cfg.InHeight <= 0 || cfg.OutWidth <= 0 || cfg.OutHeight <= 0 {
		return nil, &Fault{Path: p, Reason: "zero-sized frame", Err: ErrGeometry}
	}

	plan := &Plan{
		Path:   p,
		Config: cfg,
		Slicer: hw.StageParams{InWidth: cfg.InWidth, InHeight: cfg.InHeight, OutWidth: cfg.InWidth, OutHeight: cfg.InHeight},
	}

	var err error
	switch {
	case cfg.OutWidth >= Threshold4K:
		err = buildSliced(plan, cfg)
	case directPath(p):
		err = buildDirect(plan, cfg)
	default:
		err = buildChain(plan, cfg)
	}
	if err != nil {
		return nil, err
	}

	plan.Members = append(append([]hw.StageID(nil), plan.Stages...), stage(hw.KindLineCompare, p))
	return plan, nil
}

func buildChain(plan *Plan, cfg Config) error {
	p := cfg.Path
	if cfg.CropX < 0 || cfg.CropX+cfg.OutWidth > cfg.InWidth {
		return &Fault{Path: p, Reason: fmt.Sprintf("crop [%d,+%d) exceeds input width %d", cfg.CropX, cfg.OutWidth, cfg.InWidth), Err: ErrGeometry}
	}
	ch := cfg.cropHeight()
	if cfg.CropY < 0 || ch <= 0 || cfg.CropY+ch > cfg.InHeight {
		return &Fault{Path: p, Reason: "crop height exceeds input", Err: ErrGeometry}
	}

	plan.Split = Split{Kind: SplitChain, Slices: 1}
	chain := newChain(p, 0)
	chain.Quadrant = Quadrant{Index: 0, Start: 0, Width: cfg.InWidth, Class: ClassHeadRear, Offset: cfg.CropX, OutWidth: cfg.OutWidth}
	fillChain(&chain, cfg, cfg.InWidth)

	slicer := stage(hw.KindSlicer, p)
	plan.Stages = []hw.StageID{slicer, chain.Crop, chain.Resizer, chain.WriteEngine}
	plan.Edges = []Edge{
		{From: slicer, To: chain.Crop},
		{From: chain.Crop, To: chain.Resizer},
		{From: chain.Resizer, To: chain.WriteEngine},
	}
	plan.Chains = []Chain{chain}
	return nil
}

func buildDirect(plan *Plan, cfg Config) error {
	p := cfg.Path
	if cfg.OutWidth != cfg.InWidth || cfg.OutHeight != cfg.InHeight || cfg.CropX != 0 || cfg.CropY != 0 {
		return &Fault{Path: p, Reason: "direct path cannot crop or scale", Err: ErrGeometry}
	}

	plan.Split = Split{Kind: SplitDirect, Slices: 1}
	slicer := stage(hw.KindSlicer, p)
	p2s := stage(hw.KindStreamConverter, p)
	we := stage(hw.KindWriteEngine, p*SlicesPerPath)

	plan.Stages = []hw.StageID{slicer, p2s, we}
	plan.Edges = []Edge{
		{From: slicer, To: p2s},
		{From: p2s, To: we},
	}
	plan.Chains = []Chain{{
		Index:       0,
		WriteEngine: we,
		Direct:      true,
		Quadrant:    Quadrant{Width: cfg.InWidth, Class: ClassHeadRear, OutWidth: cfg.OutWidth},
		Region: hw.Region{
			InWidth: cfg.InWidth, InHeight: cfg.InHeight,
			OutWidth: cfg.OutWidth, OutHeight: cfg.OutHeight,
		},
	}}
	return nil
}

func buildSliced(plan *Plan, cfg Config) error {
	p := cfg.Path
	if directPath(p) {
		return &Fault{Path: p, Reason: "path has no slicer fan-out", Err: ErrLayout}
	}
	ch := cfg.cropHeight()
	if cfg.CropY < 0 || ch <= 0 || cfg.CropY+ch > cfg.InHeight {
		return &Fault{Path: p, Reason: "crop height exceeds input", Err: ErrGeometry}
	}

	var quads []Quadrant
	switch cfg.Layout {
	case LayoutQuad:
		q, err := PartitionQuad(cfg.InWidth, cfg.CropX, cfg.OutWidth)
		if err != nil {
			var f *Fault
			if errors.As(err, &f) {
				f.Path = p
			}
			return err
		}
		quads = q
	case LayoutDual:
		if cfg.CropX != 0 || cfg.OutWidth != cfg.InWidth {
			return &Fault{Path: p, Reason: "dual layout splits the full width only", Err: ErrLayout}
		}
		half := cfg.InWidth / 2
		quads = []Quadrant{
			{Index: 0, Start: 0, Width: half, Class: ClassHead, OutWidth: half, OutX: 0},
			{Index: 1, Start: half, Width: cfg.InWidth - half, Class: ClassRear, OutWidth: cfg.InWidth - half, OutX: half},
		}
	default:
		return &Fault{Path: p, Reason: fmt.Sprintf("%d columns need dual or quad", cfg.OutWidth), Err: ErrLayout}
	}

	plan.Split = Split{Kind: SplitSliced, Slices: len(quads)}
	slicer := stage(hw.KindSlicer, p)
	plan.Slicer.OutWidth = cfg.InWidth / len(quads)
	plan.Stages = []hw.StageID{slicer}

	for i, q := range quads {
		chain := newChain(p, i)
		chain.Quadrant = q
		fillChain(&chain, cfg, q.Width)

		plan.Chains = append(plan.Chains, chain)
		plan.Stages = append(plan.Stages, chain.Crop, chain.Resizer, chain.WriteEngine)
		plan.Edges = append(plan.Edges,
			Edge{From: slicer, To: chain.Crop},
			Edge{From: chain.Crop, To: chain.Resizer},
			Edge{From: chain.Resizer, To: chain.WriteEngine},
		)
	}
	return nil
}

func newChain(path, i int) Chain {
	idx := path*SlicesPerPath + i
	return Chain{
		Index:       i,
		Crop:        stage(hw.KindCrop, idx),
		Resizer:     stage(hw.KindResizer, idx),
		WriteEngine: stage(hw.KindWriteEngine, idx),
	}
}

// fillChain derives crop, resizer and write engine geometry from the chain's quadrant
func fillChain(c *Chain, cfg Config, sliceWidth int) {
	q := c.Quadrant
	ch := cfg.cropHeight()
	c.CropParams = hw.StageParams{
		InWidth: sliceWidth, InHeight: cfg.InHeight,
		OutWidth: q.OutWidth, OutHeight: ch,
		X: q.Offset, Y: cfg.CropY,
	}
	c.ResizerParams = hw.StageParams{
		InWidth: q.OutWidth, InHeight: ch,
		OutWidth: q.OutWidth, OutHeight: cfg.OutHeight,
	}
	c.Region = hw.Region{
		InWidth: q.OutWidth, InHeight: cfg.OutHeight,
		OutWidth: q.OutWidth, OutHeight: cfg.OutHeight,
		X: q.OutX,
	}
}
