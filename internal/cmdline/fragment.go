package cmdline

// Layer identifies the precedence tier a fragment was read from
type Layer int

const (
	// LayerVendor holds shipped defaults
	LayerVendor Layer = iota
	// LayerAdmin holds local overrides and always wins over LayerVendor
	LayerAdmin
)

func (l Layer) String() string {
	switch l {
	case LayerVendor:
		return "vendor"
	case LayerAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Fragment is one file's contribution to the command line.
// Two fragments with equal RelPath are the same logical fragment.
type Fragment struct {
	RelPath string // slash-separated, relative to the layer directory
	Layer   Layer
	Source  string // path the data was read from
	Data    []byte
	Masked  bool // admin symlink to /dev/null
}

// Text returns the normalized form of the fragment's data
func (f Fragment) Text() string {
	return Normalize(f.Data)
}

// ResolvedSet is sorted by RelPath and holds one fragment per RelPath
type ResolvedSet []Fragment
