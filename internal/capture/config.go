package capture

import "fmt"

// Config is one capture parameter set to try. Width/Height/FPS describe
// the output frames the pipeline expects; the Input* fields force the
// device open parameters, with zero meaning "let the encoder negotiate".
type Config struct {
	Width       int
	Height      int
	FPS         int
	InputWidth  int
	InputHeight int
	InputFPS    int
	Label       string
}

// FrameSize returns the byte length of one raw bgr24 frame.
func (c Config) FrameSize() int {
	return c.Width * c.Height * 3
}

// SameStream reports whether two configs describe the same effective
// stream, ignoring the label. Used to detect "already running".
func (c Config) SameStream(other Config) bool {
	c.Label = ""
	other.Label = ""
	return c == other
}

func (c Config) String() string {
	if c.InputWidth == 0 && c.InputHeight == 0 && c.InputFPS == 0 {
		return fmt.Sprintf("%s (%dx%d, input auto)", c.Label, c.Width, c.Height)
	}
	return fmt.Sprintf("%s (%dx%d, input %dx%d@%d)", c.Label, c.Width, c.Height, c.InputWidth, c.InputHeight, c.InputFPS)
}

// BuildConfigLadder returns the ordered capture configs to attempt for a
// camera. Physical cameras try the implicit-default config first because
// forcing size/fps at open time is the common failure mode on real
// hardware. Virtual sources invert this: they are frequently unstable when
// input negotiation is left implicit, so the explicit config leads.
func BuildConfigLadder(width, height, fps int, isVirtual bool) []Config {
	requested := Config{
		Width: width, Height: height, FPS: fps,
		InputWidth: width, InputHeight: height, InputFPS: fps,
		Label: "requested",
	}
	implicitDefault := Config{
		Width: width, Height: height, FPS: fps,
		Label: "implicit-default",
	}
	fallbacks := []Config{
		{Width: width, Height: height, FPS: fps, Label: "fallback-no-size-no-fps"},
		{Width: width, Height: height, FPS: fps, InputWidth: 1280, InputHeight: 720, InputFPS: 30, Label: "fallback-1280x720@30"},
		{Width: width, Height: height, FPS: fps, InputWidth: 1280, InputHeight: 720, InputFPS: 25, Label: "fallback-1280x720@25"},
		{Width: width, Height: height, FPS: fps, InputWidth: 640, InputHeight: 480, InputFPS: 30, Label: "fallback-640x480@30"},
		{Width: width, Height: height, FPS: fps, Label: "fallback-camera-default"},
	}

	var ordered []Config
	if isVirtual {
		ordered = append([]Config{requested}, fallbacks...)
	} else {
		ordered = append([]Config{implicitDefault, requested}, fallbacks...)
	}
	return dedupeConfigs(ordered)
}

// dedupeConfigs removes configs with an already-seen effective tuple,
// preserving order.
func dedupeConfigs(configs []Config) []Config {
	type key struct {
		w, h, fps, iw, ih, ifps int
	}
	seen := make(map[key]struct{}, len(configs))
	out := make([]Config, 0, len(configs))
	for _, c := range configs {
		k := key{c.Width, c.Height, c.FPS, c.InputWidth, c.InputHeight, c.InputFPS}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
