package pix

import "fmt"

// Canonical display colors as 0xRRGGBB.
const (
	Red     uint32 = 0xFF0000
	Green   uint32 = 0x00FF00
	Blue    uint32 = 0x0000FF
	Yellow  uint32 = 0xFFFF00
	Cyan    uint32 = 0x00FFFF
	Magenta uint32 = 0xFF00FF
	Gray    uint32 = 0xC0C0C0
)

// defaultPalette is used for channels without a reported display color.
var defaultPalette = []uint32{Red, Green, Blue, Yellow, Cyan, Magenta}

// DefaultChannelColor returns the fallback display color for channel c.
func DefaultChannelColor(c int) uint32 {
	if c >= 0 && c < len(defaultPalette) {
		return defaultPalette[c]
	}
	return Gray
}

// Channel describes one channel of an image.
type Channel struct {
	Name      string
	Color     uint32
	RGBMerged bool
}

// ChannelPlan is the ordered set of channels for an image.  Its length always equals
// the reported channel count.
type ChannelPlan []Channel

// NewChannelPlan builds the channel plan for an image of the given type with sizeC
// channels.  If exactly 3 uint8 channels carry red, green and blue display colors in
// that order, every channel is flagged as merged into a packed RGB band.
func NewChannelPlan(infos []ChannelInfo, sizeC int, t PixelType) (ChannelPlan, error) {
	if sizeC <= 0 {
		return nil, fmt.Errorf("%w: image reports %d channels", ErrCorruptMetadata, sizeC)
	}
	plan := make(ChannelPlan, sizeC)
	for c := 0; c < sizeC; c++ {
		ch := Channel{
			Name:  fmt.Sprintf("Channel %d", c+1),
			Color: DefaultChannelColor(c),
		}
		if c < len(infos) {
			if infos[c].Name != "" {
				ch.Name = infos[c].Name
			}
			if infos[c].HasColor {
				ch.Color = infos[c].Color & 0xFFFFFF
			}
		}
		plan[c] = ch
	}
	if sizeC == 3 && t == Uint8 &&
		plan[0].Color == Red && plan[1].Color == Green && plan[2].Color == Blue {
		for c := range plan {
			plan[c].RGBMerged = true
		}
	}
	return plan, nil
}

// MergedRGB returns true if the plan collapses into a single packed RGB band.
func (plan ChannelPlan) MergedRGB() bool {
	return len(plan) == 3 && plan[0].RGBMerged
}

// Bands returns the number of bands a decoded tile of this plan will carry.
func (plan ChannelPlan) Bands() int {
	if plan.MergedRGB() {
		return 1
	}
	return len(plan)
}
