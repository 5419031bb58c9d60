package duration_test

import (
	"testing"
	"time"

	"github.com/tombee/openworkflow/pkg/duration"
	"github.com/tombee/openworkflow/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr string
		want time.Duration
	}{
		{"0", 0},
		{"250", 250 * time.Millisecond},
		{"-3", -3 * time.Millisecond},
		{"500ms", 500 * time.Millisecond},
		{"5s", 5 * time.Second},
		{"5 s", 5 * time.Second},
		{"90s", 90 * time.Second},
		{"10m", 10 * time.Minute},
		{"1.5h", 90 * time.Minute},
		{"-.5h", -30 * time.Minute},
		{"+2d", 48 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"1mo", 2629800000 * time.Millisecond},
		{"1y", 31557600000 * time.Millisecond},
		{".5s", 500 * time.Millisecond},
		{"5.", 5 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := duration.Parse(tt.expr)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParse_Aliases(t *testing.T) {
	tests := []struct {
		expr string
		want time.Duration
	}{
		{"100 milliseconds", 100 * time.Millisecond},
		{"3 msecs", 3 * time.Millisecond},
		{"5secs", 5 * time.Second},
		{"1 second", time.Second},
		{"2mins", 2 * time.Minute},
		{"1 minute", time.Minute},
		{"2hrs", 2 * time.Hour},
		{"1 hour", time.Hour},
		{"3 days", 72 * time.Hour},
		{"2 weeks", 14 * 24 * time.Hour},
		{"6 months", 6 * 2629800000 * time.Millisecond},
		{"2 yrs", 2 * 31557600000 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := duration.Parse(tt.expr)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParse_CaseInsensitive(t *testing.T) {
	for _, expr := range []string{"5S", "10MS", "3Days", "1H", "2 WEEKS"} {
		if _, err := duration.Parse(expr); err != nil {
			t.Errorf("Parse(%q) returned error: %v", expr, err)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	exprs := []string{
		"",
		"abc",
		"s",
		"5x",
		"--5s",
		"1h30m",
		"5s5s",
		"1.2.3s",
		" 5s",
		"5s ",
		"5  s",
		"1,000ms",
	}

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			if _, err := duration.Parse(expr); err == nil {
				t.Errorf("Parse(%q) should fail", expr)
			} else {
				var validation *errors.ValidationError
				if !errors.As(err, &validation) {
					t.Errorf("Parse(%q) error should be a ValidationError, got %T", expr, err)
				}
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0ms"},
		{250 * time.Millisecond, "250ms"},
		{5 * time.Second, "5s"},
		{-30 * time.Minute, "-30m"},
		{90 * time.Minute, "90m"},
		{48 * time.Hour, "2d"},
		{14 * 24 * time.Hour, "2w"},
		{2629800000 * time.Millisecond, "1mo"},
		{31557600000 * time.Millisecond, "1y"},
		{1500 * time.Millisecond, "1500ms"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := duration.Format(tt.d); got != tt.want {
				t.Errorf("Format(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, expr := range []string{"500ms", "5s", "10m", "3h", "2d", "1w", "1mo", "1y"} {
		d, err := duration.Parse(expr)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", expr, err)
		}
		back, err := duration.Parse(duration.Format(d))
		if err != nil {
			t.Fatalf("Parse(Format(%q)) returned error: %v", expr, err)
		}
		if back != d {
			t.Errorf("round trip of %q changed value: %v != %v", expr, back, d)
		}
	}
}
