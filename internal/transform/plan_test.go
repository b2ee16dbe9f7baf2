package transform_test

import (
	"errors"
	"testing"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
	"mediaforge/internal/services"
	"mediaforge/internal/transform"
)

func TestPlanQualityConversionFansOut(t *testing.T) {
	cfg := config.Default()
	plans, err := transform.Plan(jobs.KindQualityConversion, `{"qualities":["720p","480p","720P"]}`, cfg.Qualities)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected duplicate tags to collapse, got %+v", plans)
	}
	if plans[0].Index != 0 || plans[0].Label != "720p" || plans[0].ParamsJSON != `{"quality":"720p"}` {
		t.Fatalf("unexpected first plan: %+v", plans[0])
	}
	if plans[1].Index != 1 || plans[1].Label != "480p" {
		t.Fatalf("unexpected second plan: %+v", plans[1])
	}
}

func TestPlanRejectsUnknownQuality(t *testing.T) {
	cfg := config.Default()
	_, err := transform.Plan(jobs.KindQualityConversion, `{"qualities":["720p","8k"]}`, cfg.Qualities)
	if !errors.Is(err, services.ErrUnknownQuality) {
		t.Fatalf("expected ErrUnknownQuality, got %v", err)
	}
}

func TestPlanSingleUnitKinds(t *testing.T) {
	cfg := config.Default()
	cases := map[jobs.Kind]string{
		jobs.KindTrim:         `{"start_time":1,"end_time":4}`,
		jobs.KindTextOverlay:  `{"content":"hello"}`,
		jobs.KindWatermark:    `{"watermark_path":"/tmp/logo.png"}`,
		jobs.KindUploadIngest: ``,
	}
	for kind, params := range cases {
		plans, err := transform.Plan(kind, params, cfg.Qualities)
		if err != nil {
			t.Fatalf("%s: Plan: %v", kind, err)
		}
		if len(plans) != 1 || plans[0].Label != transform.ResultLabel || plans[0].Index != 0 {
			t.Fatalf("%s: unexpected plans %+v", kind, plans)
		}
	}
}

func TestPlanAcceptsTrimWithEndBeforeStart(t *testing.T) {
	// Range checks happen in the executor so the job records the failure.
	cfg := config.Default()
	if _, err := transform.Plan(jobs.KindTrim, `{"start_time":10,"end_time":5}`, cfg.Qualities); err != nil {
		t.Fatalf("Plan: %v", err)
	}
}

func TestPlanValidationErrors(t *testing.T) {
	cfg := config.Default()
	cases := []struct {
		kind   jobs.Kind
		params string
	}{
		{jobs.KindTrim, `{"start_time":"soon"}`},
		{jobs.KindTrim, `{"start":1}`},
		{jobs.KindQualityConversion, `{"qualities":[]}`},
		{jobs.Kind("transcribe"), `{}`},
	}
	for _, tc := range cases {
		_, err := transform.Plan(tc.kind, tc.params, cfg.Qualities)
		if !errors.Is(err, services.ErrValidation) {
			t.Fatalf("%s %s: expected ErrValidation, got %v", tc.kind, tc.params, err)
		}
	}
}

func TestTextOverlayDefaults(t *testing.T) {
	p, err := transform.DecodeParams(jobs.KindTextOverlay, `{"content":"hi","x_position":5}`)
	if err != nil {
		t.Fatalf("DecodeParams: %v", err)
	}
	text := p.(transform.TextOverlayParams)
	if text.FontSize != 24 || text.FontColor != "white" || text.FontFamily != "Arial" || text.X != 5 {
		t.Fatalf("unexpected defaults: %+v", text)
	}
}

func TestOutputPath(t *testing.T) {
	if got := transform.OutputPath("/a", "job", "720p", jobs.KindQualityConversion); got != "/a/job/720p.mp4" {
		t.Fatalf("unexpected path %q", got)
	}
	if got := transform.OutputPath("/a", "job", "result", jobs.KindUploadIngest); got != "/a/job/result.json" {
		t.Fatalf("unexpected path %q", got)
	}
}
