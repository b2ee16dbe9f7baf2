package transform

import (
	"fmt"
	"strconv"
	"strings"

	"mediaforge/internal/config"
)

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func trimArgs(src, out string, p TrimParams) []string {
	return []string{
		"-i", src,
		"-ss", formatSeconds(p.StartTime),
		"-t", formatSeconds(p.EndTime - p.StartTime),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-y", out,
	}
}

// escapeDrawtext quotes characters drawtext treats as syntax.
func escapeDrawtext(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `%`, `\%`)
	return r.Replace(s)
}

func textOverlayArgs(src, out string, p TextOverlayParams) []string {
	filter := fmt.Sprintf("drawtext=text='%s':x=%d:y=%d:fontsize=%d:fontcolor=%s",
		escapeDrawtext(p.Content), p.X, p.Y, p.FontSize, p.FontColor)
	if font := strings.TrimSpace(p.FontFamily); font != "" {
		filter += ":font='" + escapeDrawtext(font) + "'"
	}
	if enable := p.enableExpr(); enable != "" {
		filter += ":enable='" + enable + "'"
	}
	return []string{
		"-i", src,
		"-vf", filter,
		"-c:a", "copy",
		"-y", out,
	}
}

func overlayArgs(src, overlay, out string, w Window) []string {
	filter := fmt.Sprintf("[0:v][1:v]overlay=%d:%d", w.X, w.Y)
	if enable := w.enableExpr(); enable != "" {
		filter += ":enable='" + enable + "'"
	}
	filter += "[v]"
	return []string{
		"-i", src,
		"-i", overlay,
		"-filter_complex", filter,
		"-map", "[v]",
		"-map", "0:a?",
		"-c:a", "copy",
		"-y", out,
	}
}

func watermarkArgs(src, out string, p WatermarkParams) []string {
	var chain []string
	input := "[1:v]"
	if s := p.scale(); s != 1.0 {
		chain = append(chain, fmt.Sprintf("%sscale=iw*%s:ih*%s[scaled]", input, formatSeconds(s), formatSeconds(s)))
		input = "[scaled]"
	}
	if op := p.opacity(); op < 1.0 {
		chain = append(chain, fmt.Sprintf("%sformat=rgba,colorchannelmixer=aa=%s[transparent]", input, formatSeconds(op)))
		input = "[transparent]"
	}
	x, y := p.position()
	chain = append(chain, fmt.Sprintf("[0:v]%soverlay=%d:%d[v]", input, x, y))
	return []string{
		"-i", src,
		"-i", p.WatermarkPath,
		"-filter_complex", strings.Join(chain, ";"),
		"-map", "[v]",
		"-map", "0:a?",
		"-c:a", "copy",
		"-y", out,
	}
}

func qualityArgs(src, out string, q config.Quality) []string {
	return []string{
		"-i", src,
		"-vf", fmt.Sprintf("scale=%d:%d", q.Width, q.Height),
		"-c:v", "libx264",
		"-b:v", fmt.Sprintf("%dk", q.BitrateKbps),
		"-c:a", "aac",
		"-y", out,
	}
}
