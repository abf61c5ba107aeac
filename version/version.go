package version

var Version string    // semantic version, set via -ldflags at build time
var Commit string     // git commit id
var CommitDate string // git commit date
var TreeState string  // git tree state (clean/dirty)
