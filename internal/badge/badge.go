// Package badge renders the loop's last outcome as a small status image,
// suitable for panel widgets and dashboards.
package badge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/mrcode/amaloop/internal/loop"
)

// Output formats
const (
	FormatPNG = "png"
	FormatICO = "ico"
)

const historySize = 24 // two hours of 5 minute cycles

// outcome of the last event
const (
	stateUnknown = iota
	stateDecision
	stateZeroTemp
	stateCancel
	stateWaiting // precondition or sensitivity
	stateFailed  // validation or algorithm
)

// Badge keeps the last loop outcome and renders it
type Badge struct {
	mu      sync.Mutex
	path    string
	format  string
	state   int
	text    string
	trend   string
	history []float64 // proposed rates
}

// New creates a badge written to path on every event; an empty path only
// keeps the state in memory.
func New(path, format string) *Badge {
	if format == "" {
		format = FormatPNG
	}
	return &Badge{path: path, format: format, text: "---", history: make([]float64, 0, historySize)}
}

// Update records an event
func (b *Badge) Update(event loop.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.Failed() {
		b.trend = ""
		switch event.Kind {
		case loop.KindValidation.String(), loop.KindAlgorithm.String():
			b.state, b.text = stateFailed, "ERR"
		default:
			b.state, b.text = stateWaiting, "..."
		}
		return
	}

	d := event.Decision
	if d == nil {
		return
	}
	switch {
	case !d.TempBasalRequested || (d.Rate == 0 && d.Duration == 0):
		b.state, b.text = stateCancel, "off"
	case d.Rate == 0:
		b.state, b.text = stateZeroTemp, "0"
	default:
		b.state, b.text = stateDecision, formatRate(d.Rate)
	}

	rate := d.Rate
	b.trend = "Flat"
	if n := len(b.history); n > 0 {
		switch prev := b.history[n-1]; {
		case rate > prev:
			b.trend = "SingleUp"
		case rate < prev:
			b.trend = "SingleDown"
		}
	}
	b.history = append(b.history, rate)
	if len(b.history) > historySize {
		b.history = b.history[1:]
	}
}

// Notify implements the notification sink: it updates the state and
// writes the image when a path is configured.
func (b *Badge) Notify(event loop.Event) error {
	b.Update(event)
	if b.path == "" {
		return nil
	}
	data, err := b.Render()
	if err != nil {
		return err
	}
	return writeAtomic(b.path, data)
}

// Render draws the current state
func (b *Badge) Render() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	img := b.draw()
	if b.format == FormatICO {
		return imageToICO(img)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *Badge) draw() image.Image {
	const (
		width  = 64
		height = 64
		radius = 16
	)

	dc := gg.NewContext(width, height)
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	r, g, bl := parseHexColor(b.color())
	dc.SetRGB255(int(r), int(g), int(bl))
	dc.DrawRoundedRectangle(0, 0, width, height, radius)
	dc.Fill()

	// black or white text depending on brightness
	brightness := (int(r)*299 + int(g)*587 + int(bl)*114) / 1000
	if brightness > 128 {
		dc.SetColor(color.Black)
	} else {
		dc.SetColor(color.White)
	}

	size := 30.0
	if len(b.text) > 3 {
		size = 24
	}
	if err := loadFont(dc, size); err == nil {
		dc.DrawStringAnchored(b.text, width/2, height/2-12, 0.5, 0.5)
	}
	if b.trend != "" {
		drawArrow(dc, width/2, height-16, 22, b.trend)
	}
	return dc.Image()
}

func (b *Badge) color() string {
	switch b.state {
	case stateDecision:
		return "#4ade80" // green
	case stateCancel:
		return "#60a5fa" // blue
	case stateZeroTemp:
		return "#f97316" // orange
	case stateFailed:
		return "#ef4444" // red
	default:
		return "#9ca3af" // gray
	}
}

func formatRate(rate float64) string {
	s := fmt.Sprintf("%.2f", rate)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s
}

func loadFont(dc *gg.Context, size float64) error {
	font, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return err
	}
	dc.SetFontFace(truetype.NewFace(font, &truetype.Options{Size: size}))
	return nil
}

// drawArrow draws a vector arrow pointing up, flat or down
func drawArrow(dc *gg.Context, x, y, size float64, direction string) {
	dc.Push()
	defer dc.Pop()

	dc.Translate(x, y)

	var angle float64
	switch direction {
	case "SingleUp":
		angle = 0
	case "Flat":
		angle = 90
	case "SingleDown":
		angle = 180
	default:
		return
	}
	dc.Rotate(gg.Radians(angle))

	w := size * 0.5
	s := size
	dc.NewSubPath()
	dc.MoveTo(0, -s/2) // tip
	dc.LineTo(w/2, 0)
	dc.LineTo(w/6, 0)
	dc.LineTo(w/6, s/2)
	dc.LineTo(-w/6, s/2)
	dc.LineTo(-w/6, 0)
	dc.LineTo(-w/2, 0)
	dc.ClosePath()
	dc.Fill()
}

// parseHexColor parses a hex color string to RGB values
func parseHexColor(hex string) (r, g, b byte) {
	if len(hex) == 7 && hex[0] == '#' {
		_, _ = fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b)
	}
	return
}

// imageToICO wraps the PNG encoding of img in a single-entry ICO container
func imageToICO(img image.Image) ([]byte, error) {
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	pngData := pngBuf.Bytes()

	var buf bytes.Buffer
	// ICONDIR: reserved, type 1 (icon), one image
	_ = binary.Write(&buf, binary.LittleEndian, uint16(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))

	// ICONDIRENTRY; 0 means 256 pixels
	bounds := img.Bounds()
	for _, d := range []int{bounds.Dx(), bounds.Dy()} {
		if d >= 256 {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(byte(d))
		}
	}
	buf.WriteByte(0) // no palette
	buf.WriteByte(0) // reserved
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(32))
	// #nosec G115 -- PNG size is limited by memory and will not overflow uint32
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pngData)))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(22)) // 6 + 16 byte headers

	buf.Write(pngData)
	return buf.Bytes(), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".badge-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
