// Command refimport converts YODA, AIDA and FLAT histogram files into a
// reference directory, one FLAT file per histogram.
//
//	refimport -out reference/ [-lab lab-a] [-force] file...
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/vlhc/tunelab/internal/histogram"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	fset := flag.NewFlagSet("refimport", flag.ContinueOnError)
	out := fset.String("out", envOr("TUNELAB_REFERENCE_DIR", "reference"), "reference directory")
	labID := fset.String("lab", "", "write into the lab's subdirectory instead of the default store")
	force := fset.Bool("force", false, "overwrite existing reference files")
	if err := fset.Parse(os.Args[1:]); err != nil {
		return 2
	}
	if fset.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: refimport -out DIR [-lab ID] [-force] FILE...")
		return 2
	}

	dir := *out
	if *labID != "" {
		dir = filepath.Join(dir, *labID)
	}
	n, err := run(dir, *force, fset.Args(), logger)
	if err != nil {
		logger.Error("import failed", "error", err)
		return 1
	}
	logger.Info("import done", "dir", dir, "histograms", n)
	return 0
}

// run imports every file and returns how many histograms were written.
func run(dir string, force bool, files []string, logger *slog.Logger) (int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	written := 0
	for _, p := range files {
		hists, err := histogram.ImportFile(p)
		if err != nil {
			return written, err
		}
		for _, h := range hists {
			ok, err := writeReference(dir, h, force)
			if err != nil {
				return written, err
			}
			if !ok {
				logger.Warn("reference exists, skipped", "histogram", h.Name, "source", p)
				continue
			}
			written++
		}
		logger.Debug("imported", "source", p, "histograms", len(hists))
	}
	return written, nil
}

// writeReference stores h under its reference file name. It reports false
// when the file exists and force is unset.
func writeReference(dir string, h *histogram.Histogram, force bool) (bool, error) {
	name := strings.TrimPrefix(h.Name, "/REF")
	if name == "" {
		return false, errors.New("histogram without a name")
	}
	h.Name = name
	p := filepath.Join(dir, histogram.FileName(name))

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(p, flags, 0o640) //nolint:gosec // path derived from a histogram name inside dir
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", p, err)
	}
	if err := histogram.WriteFlat(f, h); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close %s: %w", p, err)
	}
	return true, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
