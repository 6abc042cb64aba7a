// Command flashtool reads, writes and erases byte ranges of a
// file-backed flash image through the block device driver. It is the
// host-side harness for the driver: every access goes through the same
// page planning and read-modify-write paths a real chip would see.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"flashbd/blockdev"
	"flashbd/chip"
	"flashbd/config"
	"flashbd/internal/buildinfo"
	"flashbd/trace"
)

const (
	defaultImagePath = "flash.img"
	defaultPageSize  = 512
	defaultPages     = 4096
)

func main() {
	var (
		imagePath   string
		pageSize    int
		pages       int
		configPath  string
		addr        int64
		length      int64
		data        string
		inPath      string
		outPath     string
		tracePath   string
		showVersion bool
	)
	flag.StringVar(&imagePath, "image", defaultImagePath, "Flash image path.")
	flag.IntVar(&pageSize, "page-size", defaultPageSize, "Page size (bytes).")
	flag.IntVar(&pages, "pages", defaultPages, "Page count.")
	flag.StringVar(&configPath, "config", "", "YAML config path (overrides -page-size/-pages).")
	flag.Int64Var(&addr, "addr", 0, "Byte address.")
	flag.Int64Var(&length, "len", 0, "Byte count.")
	flag.StringVar(&data, "data", "", "Hex-encoded data for write.")
	flag.StringVar(&inPath, "in", "", "Input file for write (alternative to -data).")
	flag.StringVar(&outPath, "out", "", "Output file for read (hex dump to stdout otherwise).")
	flag.StringVar(&tracePath, "trace", "", "Write a CBOR operation trace to this path.")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit.")
	flag.Parse()

	if showVersion {
		fmt.Println("flashtool", buildinfo.Short())
		return
	}

	verb := flag.Arg(0)
	switch verb {
	case "write", "read", "erase", "dump":
	case "":
		fmt.Fprintln(os.Stderr, "error: verb required (write|read|erase|dump)")
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown verb %q\n", verb)
		os.Exit(2)
	}

	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		pageSize = cfg.Device.PageSize
		pages = cfg.Device.Pages
	}

	if err := run(verb, imagePath, pageSize, pages, addr, length, data, inPath, outPath, tracePath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(verb, imagePath string, pageSize, pages int, addr, length int64, data, inPath, outPath, tracePath string) error {
	c, err := chip.OpenFile(imagePath, pageSize, pages)
	if err != nil {
		return err
	}

	var opts blockdev.Options
	var rec *trace.Ring
	if tracePath != "" {
		rec = trace.NewRing(1024)
		opts.Trace = rec
	}

	dev, err := blockdev.New(c, opts)
	if err != nil {
		_ = c.Release()
		return err
	}
	defer func() { _ = dev.Deinit() }()

	switch verb {
	case "write":
		err = doWrite(dev, addr, data, inPath)
	case "read":
		err = doRead(dev, addr, length, outPath)
	case "erase":
		err = dev.Erase(addr, length)
	case "dump":
		if length == 0 {
			length = dev.ReadBlockSize()
		}
		err = doRead(dev, addr, length, "")
	}
	if err != nil {
		return err
	}

	if rec != nil {
		f, err := os.Create(tracePath)
		if err != nil {
			return fmt.Errorf("create trace %q: %w", tracePath, err)
		}
		defer func() { _ = f.Close() }()
		if err := trace.WriteEvents(f, rec.Events()); err != nil {
			return err
		}
	}
	return nil
}

func doWrite(dev *blockdev.Device, addr int64, data, inPath string) error {
	var p []byte
	switch {
	case data != "" && inPath != "":
		return fmt.Errorf("use either -data or -in, not both")
	case data != "":
		b, err := hex.DecodeString(data)
		if err != nil {
			return fmt.Errorf("decode -data: %w", err)
		}
		p = b
	case inPath != "":
		b, err := os.ReadFile(inPath)
		if err != nil {
			return fmt.Errorf("read %q: %w", inPath, err)
		}
		p = b
	default:
		return fmt.Errorf("write needs -data or -in")
	}
	return dev.Program(p, addr)
}

func doRead(dev *blockdev.Device, addr, length int64, outPath string) error {
	if length <= 0 {
		return fmt.Errorf("read needs -len > 0")
	}
	p := make([]byte, length)
	if err := dev.Read(p, addr); err != nil {
		return err
	}
	if outPath != "" {
		if err := os.WriteFile(outPath, p, 0o644); err != nil {
			return fmt.Errorf("write %q: %w", outPath, err)
		}
		return nil
	}
	hexDump(os.Stdout, p, addr)
	return nil
}

func hexDump(w *os.File, p []byte, base int64) {
	for off := 0; off < len(p); off += 16 {
		end := off + 16
		if end > len(p) {
			end = len(p)
		}
		fmt.Fprintf(w, "%08x  %s\n", base+int64(off), hex.EncodeToString(p[off:end]))
	}
}
