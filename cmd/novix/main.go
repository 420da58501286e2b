// Command novix hosts the kernel: `novix mkfs` builds a FAT12 floppy
// image from host files and `novix boot` brings the kernel up on the
// emulated machine with that image in the drive.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ZanovelloAlberto/Novix/kernel/boot"
	"github.com/ZanovelloAlberto/Novix/kernel/cons"
	"github.com/ZanovelloAlberto/Novix/kernel/defs"
	"github.com/ZanovelloAlberto/Novix/kernel/fat12"
	"github.com/ZanovelloAlberto/Novix/kernel/machine"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&mkfsCmd{}, "")
	subcommands.Register(&bootCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

//
// mkfs
//

type mkfsCmd struct {
	out string
}

func (*mkfsCmd) Name() string     { return "mkfs" }
func (*mkfsCmd) Synopsis() string { return "build a FAT12 floppy image" }
func (*mkfsCmd) Usage() string {
	return "mkfs -o floppy.img file... [dir=hostfile...]\n"
}

func (c *mkfsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.out, "o", "floppy.img", "output image path")
}

func (c *mkfsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var files []fat12.Mkfile_t
	dirs := map[string][]fat12.Mkfile_t{}

	for _, arg := range f.Args() {
		dir := ""
		host := arg
		if i := strings.IndexByte(arg, '='); i >= 0 {
			dir, host = arg[:i], arg[i+1:]
		}
		data, err := os.ReadFile(host)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
			return subcommands.ExitFailure
		}
		name := host
		if i := strings.LastIndexByte(host, '/'); i >= 0 {
			name = host[i+1:]
		}
		if dir == "" {
			files = append(files, fat12.Mkfile_t{Name: name, Data: data})
		} else {
			dirs[dir] = append(dirs[dir], fat12.Mkfile_t{Name: name, Data: data})
		}
	}

	var mkdirs []fat12.Mkdir_t
	for name, fl := range dirs {
		mkdirs = append(mkdirs, fat12.Mkdir_t{Name: name, Files: fl})
	}

	img := fat12.MkImage(files, mkdirs)
	if err := os.WriteFile(c.out, img, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("wrote %s (%d files)\n", c.out, len(files))
	return subcommands.ExitSuccess
}

//
// boot
//

type bootConfig struct {
	MemoryKiB uint32 `toml:"memory-kib"`
	BootDrive uint16 `toml:"boot-drive"`
	Image     string `toml:"image"`
	RunTicks  int    `toml:"run-ticks"`
	Debug     bool   `toml:"debug"`
}

type bootCmd struct {
	config string
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot the kernel on the emulated machine" }
func (*bootCmd) Usage() string    { return "boot -c novix.toml\n" }

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "c", "novix.toml", "boot configuration")
}

// loaderInfo synthesizes the E820 snapshot the second-stage loader
// would hand over: low memory, the EBDA/ROM hole, the kernel image,
// then everything else.
func loaderInfo(cfg *bootConfig) *defs.Bootinfo_t {
	total := uint64(cfg.MemoryKiB) * 1024
	return &defs.Bootinfo_t{
		BootDrive:     cfg.BootDrive,
		MemorySizeKiB: cfg.MemoryKiB,
		Memblocks: []defs.Memblock_t{
			{Base: 0x0, Length: 0x9F000, Type: defs.MEM_AVAILABLE},
			{Base: 0x9F000, Length: 0x61000, Type: defs.MEM_RESERVED},
			{Base: 0x100000, Length: 0x400000, Type: defs.MEM_RESERVED},
			{Base: 0x500000, Length: total - 0x500000, Type: defs.MEM_AVAILABLE},
		},
	}
}

func (c *bootCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	var cfg bootConfig
	if _, err := toml.DecodeFile(c.config, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}
	if cfg.MemoryKiB == 0 {
		cfg.MemoryKiB = 16 * 1024
	}
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	img, err := os.Open(cfg.Image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}
	defer img.Close()

	m := machine.MkMachine(cfg.MemoryKiB)
	machine.AttachE9(m, func(b uint8) { os.Stderr.Write([]byte{b}) })
	kbd := machine.AttachKbd(m)
	machine.AttachFdc(m, img)

	k, kerr := boot.Start(m, loaderInfo(&cfg))
	if kerr != 0 {
		fmt.Fprintf(os.Stderr, "boot: kernel start failed: %v\n", kerr)
		return subcommands.ExitFailure
	}

	// the echo shell: everything typed comes back on the console
	k.Sched.CreateKernel(func() {
		k.Vfs.Write(defs.FD_STDOUT, []uint8("Novix\n> "))
		for {
			ch := k.Cons.Getchar()
			k.Vfs.Write(defs.FD_STDOUT, []uint8{ch})
			if ch == '\n' {
				k.Vfs.Write(defs.FD_STDOUT, []uint8("> "))
			}
		}
	})

	// the host pump: stdin keys arrive on their own goroutine, but
	// only the idle loop below touches the machine
	keys := make(chan uint8, 64)
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return nil
			}
			if n == 1 {
				select {
				case keys <- buf[0]:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})

	ticks := 0
	for cfg.RunTicks == 0 || ticks < cfg.RunTicks {
		select {
		case b, ok := <-keys:
			if !ok {
				boot.DumpStats()
				return subcommands.ExitSuccess
			}
			if sc, scok := cons.AsciiToScancode(b); scok {
				kbd.Press(sc)
			}
		default:
			m.Tick()
			ticks++
			time.Sleep(time.Millisecond)
		}
	}
	boot.DumpStats()
	return subcommands.ExitSuccess
}
