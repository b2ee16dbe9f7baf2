package jobs

import "testing"

func TestCanTransition(t *testing.T) {
	legal := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:   true,
		{StatusProcessing, StatusCompleted}: true,
		{StatusProcessing, StatusFailed}:    true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" Quality_Conversion ")
	if err != nil || kind != KindQualityConversion {
		t.Fatalf("ParseKind = %q, %v", kind, err)
	}
	if _, err := ParseKind("blur"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRecordProgress(t *testing.T) {
	cases := []struct {
		name    string
		rec     Record
		percent int
		hint    string
	}{
		{"pending", Record{Status: StatusPending, UnitsTotal: 1}, 0, "0/1"},
		{"processing single", Record{Status: StatusProcessing, UnitsTotal: 1}, 50, "0/1"},
		{"processing fan-out", Record{Status: StatusProcessing, UnitsTotal: 4, UnitsDone: 1}, 25, "1/4"},
		{"completed", Record{Status: StatusCompleted, UnitsTotal: 2, UnitsDone: 2}, 100, "2/2"},
		{"failed partial", Record{Status: StatusFailed, UnitsTotal: 2, UnitsDone: 1, UnitsFailed: 1}, 100, "2/2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rec.Percent(); got != tc.percent {
				t.Fatalf("Percent = %d, want %d", got, tc.percent)
			}
			if got := tc.rec.ProgressHint(); got != tc.hint {
				t.Fatalf("ProgressHint = %q, want %q", got, tc.hint)
			}
		})
	}
}
