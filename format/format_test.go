package format

import (
	"testing"
	"time"
)

func TestHumanBytes(t *testing.T) {
	cases := []struct {
		input    int64
		expected string
	}{
		{0, "0 bytes"},
		{1, "1 byte"},
		{999, "999 bytes"},
		{1000, "1 KB"},
		{1500, "1.5 KB"},
		{MegaByte, "1 MB"},
		{2_430_000_000, "2.4 GB"},
		{3 * TeraByte, "3 TB"},
	}

	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanBytes(tc.input); got != tc.expected {
				t.Errorf("HumanBytes(%d) = %q, expected %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestHumanNumber(t *testing.T) {
	cases := []struct {
		input    uint64
		expected string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1.00K"},
		{12_544, "12.5K"},
		{1_003_520, "1.00M"},
		{250_000_000, "250M"},
		{7_000_000_000, "7.00B"},
	}

	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := HumanNumber(tc.input); got != tc.expected {
				t.Errorf("HumanNumber(%d) = %q, expected %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestHumanTime(t *testing.T) {
	if got := HumanTime(time.Time{}, "Never"); got != "Never" {
		t.Errorf("expected Never, got %q", got)
	}

	cases := []struct {
		offset   time.Duration
		expected string
	}{
		{-30 * time.Second, "30 seconds ago"},
		{-90 * time.Second, "About a minute ago"},
		{-3 * time.Hour, "3 hours ago"},
		{-10 * 24 * time.Hour, "10 days ago"},
		{2 * time.Hour, "2 hours from now"},
	}

	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			got := HumanTime(time.Now().Add(tc.offset), "Never")
			if got != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}
