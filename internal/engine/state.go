package engine

// State records the last command line handed to the bootloader
type State struct {
	Hash      string          `json:"hash"`
	Cmdline   string          `json:"cmdline"`
	Fragments []FragmentState `json:"fragments"`
	Removed   []string        `json:"removed,omitempty"`
}

// FragmentState describes one resolved fragment of the recorded run
type FragmentState struct {
	Path   string `json:"path"`   // relative path within its layer
	Layer  string `json:"layer"`  // vendor or admin
	Source string `json:"source"` // file the data was read from
	Hash   string `json:"hash"`   // SHA256 hash of the raw content
	Masked bool   `json:"masked,omitempty"`
}

// Result is the outcome of one resolution pass
type Result struct {
	Cmdline   string
	Merged    string // before removals
	Legacy    string // normalized legacy file content
	Fragments []FragmentState
	Removed   []string
	Hash      string
	Changed   bool // differs from the recorded state
	Written   bool
}
