// Package snapshot compares captured device screens with stored baselines.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Format selects how shots are stored
type Format int

const (
	Text Format = iota
	PNG
)

func (f Format) String() string {
	if f == PNG {
		return "png"
	}
	return "text"
}

// ParseFormat accepts "text" or "png"
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "text", "txt":
		return Text, nil
	case "png":
		return PNG, nil
	}
	return 0, fmt.Errorf("snapshot: unknown format %q", name)
}

func (f Format) ext() string {
	if f == PNG {
		return ".png"
	}
	return ".txt"
}

var (
	ErrCountMismatch = errors.New("snapshot: number of shots differs from baseline")
	ErrMismatch      = errors.New("snapshot: shot differs from baseline")
	ErrSizeMismatch  = errors.New("snapshot: image bounds differ from baseline")
)

// Shot is one captured screen
type Shot struct {
	Text  string
	Image image.Image
}

// Comparator checks shot sequences against the baselines stored in Dir. With
// Update set the baselines are rewritten instead.
type Comparator struct {
	Dir    string
	Update bool
	Format Format
}

// Compare checks shots against <Dir>/<name>/00000.txt, 00001.txt and so on,
// or the .png files for PNG
func (c *Comparator) Compare(name string, shots []Shot) error {
	dir := filepath.Join(c.Dir, name)
	if c.Update {
		return c.write(dir, shots)
	}
	files, err := c.baselines(dir)
	if err != nil {
		return err
	}
	if len(files) != len(shots) {
		return fmt.Errorf("%w: %s has %d, got %d", ErrCountMismatch, name, len(files), len(shots))
	}
	for i, s := range shots {
		if err := c.compareOne(filepath.Join(dir, shotName(i, c.Format)), s); err != nil {
			return fmt.Errorf("%s/%05d: %w", name, i, err)
		}
	}
	return nil
}

func shotName(i int, f Format) string {
	return fmt.Sprintf("%05d%s", i, f.ext())
}

func (c *Comparator) baselines(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading baselines: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), c.Format.ext()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// write replaces the baselines of the comparator's format, leaving the other
// format's files alone
func (c *Comparator) write(dir string, shots []Shot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stale, err := c.baselines(dir)
	if err != nil {
		return err
	}
	for _, name := range stale {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	for i, s := range shots {
		var data []byte
		switch c.Format {
		case PNG:
			var buf bytes.Buffer
			if err := png.Encode(&buf, s.Image); err != nil {
				return err
			}
			data = buf.Bytes()
		default:
			data = []byte(s.Text)
		}
		if err := os.WriteFile(filepath.Join(dir, shotName(i, c.Format)), data, 0o640); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comparator) compareOne(path string, s Shot) error {
	if c.Format != PNG {
		want, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if string(want) != s.Text {
			return fmt.Errorf("%w: got %q, want %q", ErrMismatch, s.Text, want)
		}
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	want, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return err
	}
	mismatches, err := CompareImages(want, s.Image)
	if err != nil {
		return err
	}
	if mismatches > 0 {
		return fmt.Errorf("%w: %d pixels", ErrMismatch, mismatches)
	}
	return nil
}

// CompareImages counts the pixels that are lit in one image but not in the
// other
func CompareImages(want, got image.Image) (int, error) {
	if w, g := want.Bounds().Size(), got.Bounds().Size(); w != g {
		return 0, fmt.Errorf("%w: got %v, want %v", ErrSizeMismatch, g, w)
	}
	mismatches := 0
	width, height := want.Bounds().Dx(), want.Bounds().Dy()
	wantOff, gotOff := want.Bounds().Min, got.Bounds().Min
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			wy, _, _, _ := want.At(wantOff.X+x, wantOff.Y+y).RGBA()
			gy, _, _, _ := got.At(gotOff.X+x, gotOff.Y+y).RGBA()
			if (wy != 0) != (gy != 0) {
				mismatches++
			}
		}
	}
	return mismatches, nil
}
