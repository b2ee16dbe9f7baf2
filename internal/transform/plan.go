package transform

import (
	"fmt"
	"path/filepath"
	"strings"

	"mediaforge/internal/config"
	"mediaforge/internal/jobs"
	"mediaforge/internal/services"
)

// ResultLabel names the single artifact of non-fan-out jobs.
const ResultLabel = "result"

// UnitPlan describes one unit a job fans out to.
type UnitPlan struct {
	Index      int
	Label      string
	ParamsJSON string
}

// Plan validates the job-level params for kind and splits them into units.
// Unknown quality tags fail with ErrUnknownQuality; repeated tags collapse.
func Plan(kind jobs.Kind, paramsJSON string, qualities map[string]config.Quality) ([]UnitPlan, error) {
	params, err := DecodeParams(kind, paramsJSON)
	if err != nil {
		return nil, err
	}
	qc, ok := params.(QualityConversionParams)
	if !ok {
		encoded, err := EncodeParams(params)
		if err != nil {
			return nil, err
		}
		return []UnitPlan{{Index: 0, Label: ResultLabel, ParamsJSON: encoded}}, nil
	}

	if err := qc.Check(); err != nil {
		return nil, services.Wrap(services.ErrValidation, "transform", "plan", "", err)
	}
	seen := make(map[string]struct{}, len(qc.Qualities))
	plans := make([]UnitPlan, 0, len(qc.Qualities))
	for _, raw := range qc.Qualities {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if _, ok := qualities[tag]; !ok {
			return nil, services.Wrap(services.ErrUnknownQuality, "transform", "plan", fmt.Sprintf("quality %q", raw), nil)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		encoded, err := EncodeParams(QualityUnitParams{Quality: tag})
		if err != nil {
			return nil, err
		}
		plans = append(plans, UnitPlan{Index: len(plans), Label: tag, ParamsJSON: encoded})
	}
	return plans, nil
}

// OutputPath is the unit-exclusive location of a unit's artifact.
func OutputPath(artifactsDir, jobID, label string, kind jobs.Kind) string {
	ext := ".mp4"
	if kind == jobs.KindUploadIngest {
		ext = ".json"
	}
	return filepath.Join(artifactsDir, jobID, label+ext)
}
