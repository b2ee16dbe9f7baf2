package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mediaforge/internal/jobs"
	"mediaforge/internal/services"
)

// Params is implemented by each kind's parameter struct.
type Params interface {
	Kind() jobs.Kind
	// Check validates values that only matter at execution time.
	Check() error
}

// TrimParams cuts [StartTime, EndTime) out of the source.
type TrimParams struct {
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

func (TrimParams) Kind() jobs.Kind { return jobs.KindTrim }

func (p TrimParams) Check() error {
	if p.StartTime < 0 {
		return fmt.Errorf("start_time %.3f is negative", p.StartTime)
	}
	if p.EndTime <= p.StartTime {
		return fmt.Errorf("end_time %.3f must be after start_time %.3f", p.EndTime, p.StartTime)
	}
	return nil
}

// Window is the optional display interval shared by overlays.
type Window struct {
	X         int      `json:"x_position"`
	Y         int      `json:"y_position"`
	StartTime float64  `json:"start_time"`
	EndTime   *float64 `json:"end_time,omitempty"`
}

func (w Window) check() error {
	if w.StartTime < 0 {
		return fmt.Errorf("start_time %.3f is negative", w.StartTime)
	}
	if w.EndTime != nil && *w.EndTime <= w.StartTime {
		return fmt.Errorf("end_time %.3f must be after start_time %.3f", *w.EndTime, w.StartTime)
	}
	return nil
}

// enableExpr renders the ffmpeg enable option, or "" when the overlay is
// shown for the whole clip.
func (w Window) enableExpr() string {
	switch {
	case w.EndTime != nil:
		return fmt.Sprintf("between(t,%s,%s)", formatSeconds(w.StartTime), formatSeconds(*w.EndTime))
	case w.StartTime > 0:
		return fmt.Sprintf("gte(t,%s)", formatSeconds(w.StartTime))
	default:
		return ""
	}
}

// TextOverlayParams draws Content on the video.
type TextOverlayParams struct {
	Window
	Content    string `json:"content"`
	FontSize   int    `json:"font_size"`
	FontColor  string `json:"font_color"`
	FontFamily string `json:"font_family"`
}

func (TextOverlayParams) Kind() jobs.Kind { return jobs.KindTextOverlay }

func (p TextOverlayParams) Check() error {
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("content is empty")
	}
	return p.Window.check()
}

func (p *TextOverlayParams) applyDefaults() {
	if p.FontSize <= 0 {
		p.FontSize = 24
	}
	if strings.TrimSpace(p.FontColor) == "" {
		p.FontColor = "white"
	}
	if strings.TrimSpace(p.FontFamily) == "" {
		p.FontFamily = "Arial"
	}
}

// ImageOverlayParams composites a still image over the video.
type ImageOverlayParams struct {
	Window
	OverlayPath string `json:"overlay_path"`
}

func (ImageOverlayParams) Kind() jobs.Kind { return jobs.KindImageOverlay }

func (p ImageOverlayParams) Check() error {
	if err := requireFile("overlay_path", p.OverlayPath); err != nil {
		return err
	}
	return p.Window.check()
}

// VideoOverlayParams composites a second video over the source.
type VideoOverlayParams struct {
	Window
	OverlayPath string `json:"overlay_path"`
}

func (VideoOverlayParams) Kind() jobs.Kind { return jobs.KindVideoOverlay }

func (p VideoOverlayParams) Check() error {
	if err := requireFile("overlay_path", p.OverlayPath); err != nil {
		return err
	}
	return p.Window.check()
}

// WatermarkParams places a scaled, translucent image on every frame.
type WatermarkParams struct {
	WatermarkPath string   `json:"watermark_path"`
	X             *int     `json:"x_position,omitempty"`
	Y             *int     `json:"y_position,omitempty"`
	Opacity       *float64 `json:"opacity,omitempty"`
	Scale         *float64 `json:"scale,omitempty"`
}

func (WatermarkParams) Kind() jobs.Kind { return jobs.KindWatermark }

func (p WatermarkParams) Check() error {
	if err := requireFile("watermark_path", p.WatermarkPath); err != nil {
		return err
	}
	if op := p.opacity(); op <= 0 || op > 1 {
		return fmt.Errorf("opacity %.2f must be in (0, 1]", op)
	}
	if s := p.scale(); s <= 0 {
		return fmt.Errorf("scale %.2f must be positive", s)
	}
	return nil
}

func (p WatermarkParams) position() (int, int) {
	x, y := 10, 10
	if p.X != nil {
		x = *p.X
	}
	if p.Y != nil {
		y = *p.Y
	}
	return x, y
}

func (p WatermarkParams) opacity() float64 {
	if p.Opacity == nil {
		return 1.0
	}
	return *p.Opacity
}

func (p WatermarkParams) scale() float64 {
	if p.Scale == nil {
		return 1.0
	}
	return *p.Scale
}

// QualityConversionParams is the job-level request; it fans out to one
// QualityUnitParams per tag.
type QualityConversionParams struct {
	Qualities []string `json:"qualities"`
}

func (QualityConversionParams) Kind() jobs.Kind { return jobs.KindQualityConversion }

func (p QualityConversionParams) Check() error {
	if len(p.Qualities) == 0 {
		return fmt.Errorf("qualities is empty")
	}
	return nil
}

// QualityUnitParams is the per-unit payload of a quality conversion.
type QualityUnitParams struct {
	Quality string `json:"quality"`
}

func (QualityUnitParams) Kind() jobs.Kind { return jobs.KindQualityConversion }

func (p QualityUnitParams) Check() error {
	if strings.TrimSpace(p.Quality) == "" {
		return fmt.Errorf("quality is empty")
	}
	return nil
}

// UploadIngestParams carries no options; the source is probed as-is.
type UploadIngestParams struct{}

func (UploadIngestParams) Kind() jobs.Kind { return jobs.KindUploadIngest }

func (UploadIngestParams) Check() error { return nil }

// DecodeParams decodes job-level parameters for kind. Unknown fields are
// rejected. Malformed input is reported as ErrValidation.
func DecodeParams(kind jobs.Kind, raw string) (Params, error) {
	var p Params
	switch kind {
	case jobs.KindTrim:
		var v TrimParams
		if err := decodeStrict(raw, &v); err != nil {
			return nil, validationError(kind, err)
		}
		p = v
	case jobs.KindTextOverlay:
		var v TextOverlayParams
		if err := decodeStrict(raw, &v); err != nil {
			return nil, validationError(kind, err)
		}
		v.applyDefaults()
		p = v
	case jobs.KindImageOverlay:
		var v ImageOverlayParams
		if err := decodeStrict(raw, &v); err != nil {
			return nil, validationError(kind, err)
		}
		p = v
	case jobs.KindVideoOverlay:
		var v VideoOverlayParams
		if err := decodeStrict(raw, &v); err != nil {
			return nil, validationError(kind, err)
		}
		p = v
	case jobs.KindWatermark:
		var v WatermarkParams
		if err := decodeStrict(raw, &v); err != nil {
			return nil, validationError(kind, err)
		}
		p = v
	case jobs.KindQualityConversion:
		var v QualityConversionParams
		if err := decodeStrict(raw, &v); err != nil {
			return nil, validationError(kind, err)
		}
		p = v
	case jobs.KindUploadIngest:
		var v UploadIngestParams
		if err := decodeStrict(raw, &v); err != nil {
			return nil, validationError(kind, err)
		}
		p = v
	default:
		return nil, services.Wrap(services.ErrValidation, "transform", "decode params", fmt.Sprintf("unsupported kind %q", kind), nil)
	}
	return p, nil
}

// DecodeUnitParams decodes the payload carried by a queued unit.
func DecodeUnitParams(kind jobs.Kind, raw string) (Params, error) {
	if kind != jobs.KindQualityConversion {
		return DecodeParams(kind, raw)
	}
	var v QualityUnitParams
	if err := decodeStrict(raw, &v); err != nil {
		return nil, validationError(kind, err)
	}
	return v, nil
}

// EncodeParams renders p as the canonical JSON stored on jobs and units.
func EncodeParams(p Params) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s params: %w", p.Kind(), err)
	}
	return string(data), nil
}

func decodeStrict(raw string, dst any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "{}"
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func validationError(kind jobs.Kind, err error) error {
	return services.Wrap(services.ErrValidation, "transform", "decode params", fmt.Sprintf("invalid %s params", kind), err)
}

func requireFile(field, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%s is empty", field)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s %q is a directory", field, path)
	}
	return nil
}
