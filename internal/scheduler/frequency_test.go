package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseFrequency(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"every 5m", false},
		{"every 30 minutes", false},
		{"every hour", false},
		{"every 2 days", false},
		{"2d", false},
		{"1h30m", false},
		{"*/5 * * * *", false},
		{"0 9 * * 1-5", false},
		{"", true},
		{"every 100ms", true},
		{"every fortnight", true},
		{"61 * * * *", true},
		{"every -2 hours", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := ParseFrequency(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidFrequency) {
					t.Errorf("err = %v, want ErrInvalidFrequency", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestIntervalFrequency_Next(t *testing.T) {
	f, err := ParseFrequency("every 10m")
	if err != nil {
		t.Fatal(err)
	}
	prev := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"on time", prev, prev.Add(10 * time.Minute)},
		{"slightly late", prev.Add(3 * time.Second), prev.Add(10 * time.Minute)},
		{"missed slots are skipped", prev.Add(35 * time.Minute), prev.Add(40 * time.Minute)},
		{"exactly on a slot", prev.Add(20 * time.Minute), prev.Add(30 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Next(prev, tt.now); !got.Equal(tt.want) {
				t.Errorf("Next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCronFrequency_Next(t *testing.T) {
	f, err := ParseFrequency("0 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	prev := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	if got := f.Next(prev, prev.Add(time.Minute)); !got.Equal(prev.Add(time.Hour)) {
		t.Errorf("Next = %v, want %v", got, prev.Add(time.Hour))
	}
	if got := f.Next(prev, prev.Add(150*time.Minute)); !got.Equal(prev.Add(3 * time.Hour)) {
		t.Errorf("Next after missed slots = %v, want %v", got, prev.Add(3*time.Hour))
	}
}
