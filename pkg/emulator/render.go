package emulator

import (
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var face = basicfont.Face7x13

// wrap splits lines wider than the display into several rows
func wrap(lines []string, maxChars int) []string {
	var rows []string
	for _, l := range lines {
		for len(l) > maxChars {
			rows = append(rows, l[:maxChars])
			l = l[maxChars:]
		}
		rows = append(rows, l)
	}
	return rows
}

// Render draws the screen the way the model displays it: white text on a
// black background, rows centered both ways.
func Render(m Model, s Screen) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, m.Width, m.Height))
	lineHeight := face.Height
	rows := wrap(s.Lines, m.Width/face.Advance)
	if maxRows := m.Height / lineHeight; len(rows) > maxRows {
		rows = rows[:maxRows]
	}

	d := &font.Drawer{Dst: img, Src: image.White, Face: face}
	top := (m.Height - len(rows)*lineHeight) / 2
	for i, row := range rows {
		width := d.MeasureString(row).Ceil()
		d.Dot = fixed.P((m.Width-width)/2, top+i*lineHeight+face.Ascent)
		d.DrawString(row)
	}
	return img
}
