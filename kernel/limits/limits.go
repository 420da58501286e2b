package limits

// / Syslimit_t tracks the fixed kernel capacities.
type Syslimit_t struct {
	// max live processes, including idle and the cleaner
	Sysprocs int
	// slots in the per-process open-file table
	Openfiles int
	// registered filesystem drivers
	Filesystems int
	// cached vnodes per mounted filesystem
	VnodesPerFS int
	// entries in the VFS resolution name cache
	Namecache int
	// sectors the FDC track buffer can hold
	Trackcap int
}

// / Syslimit describes the configured system wide limits.
var Syslimit *Syslimit_t = MkSysLimit()

// / MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Sysprocs:    64,
		Openfiles:   32,
		Filesystems: 4,
		VnodesPerFS: 16,
		Namecache:   64,
		Trackcap:    128,
	}
}
