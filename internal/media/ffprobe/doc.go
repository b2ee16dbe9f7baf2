// Package ffprobe runs ffprobe and decodes its JSON report.
//
// Inspect is the entry point; Parse decodes a report captured elsewhere.
// Result helpers expose the container duration, size, and bitrate along
// with the first video stream's dimensions and frame rate.
package ffprobe
