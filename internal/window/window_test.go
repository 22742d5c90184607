package window

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 12, hour, minute, 0, 0, time.UTC) // a Thursday
}

func TestWithinNormalWindow(t *testing.T) {
	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(9, 0), true}, // inclusive start
		{at(12, 30), true},
		{at(16, 59), true},
		{at(17, 0), false}, // exclusive end
		{at(8, 59), false},
		{at(23, 0), false},
	}
	for _, tt := range tests {
		if got := Within(tt.now, "09:00", "17:00"); got != tt.want {
			t.Errorf("Within(%s, 09:00, 17:00) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
		}
	}
}

func TestWithinOvernightWindow(t *testing.T) {
	tests := []struct {
		now  time.Time
		want bool
	}{
		{at(23, 0), true},
		{at(2, 0), true},
		{at(12, 0), false},
		{at(22, 0), true}, // inclusive start
		{at(6, 0), false}, // exclusive end
	}
	for _, tt := range tests {
		if got := Within(tt.now, "22:00", "06:00"); got != tt.want {
			t.Errorf("Within(%s, 22:00, 06:00) = %v, want %v", tt.now.Format("15:04"), got, tt.want)
		}
	}
}

func TestWithinDegenerateAndUnset(t *testing.T) {
	if Within(at(10, 0), "10:00", "10:00") {
		t.Error("start == end should be an empty window")
	}
	if !Within(at(3, 0), "", "17:00") {
		t.Error("unset start should be permissive")
	}
	if !Within(at(3, 0), "09:00", "") {
		t.Error("unset end should be permissive")
	}
	if !Within(at(3, 0), "garbage", "17:00") {
		t.Error("unparsable bound should be permissive")
	}
}

func TestParseFormats(t *testing.T) {
	tests := []struct {
		in      string
		hour    int
		minute  int
		wantErr bool
	}{
		{"09:00", 9, 0, false},
		{"9h30", 9, 30, false},
		{"23h59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"9h5", 0, 0, true}, // minute must be two digits
		{"midi", 0, 0, true},
	}
	for _, tt := range tests {
		h, m, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && (h != tt.hour || m != tt.minute) {
			t.Errorf("Parse(%q) = %d:%d, want %d:%d", tt.in, h, m, tt.hour, tt.minute)
		}
	}
}

func TestBeforeStart(t *testing.T) {
	if !BeforeStart(at(8, 0), "09:00") {
		t.Error("08:00 is before a 09:00 start")
	}
	if BeforeStart(at(9, 0), "09:00") {
		t.Error("09:00 is not before a 09:00 start")
	}
}

func TestScheduleActiveAt(t *testing.T) {
	s := Schedule{Days: []string{"monday", "thursday"}, StartHour: 8, EndHour: 20}

	if !s.ActiveAt(at(10, 0)) {
		t.Error("thursday 10:00 should be active")
	}
	if s.ActiveAt(at(21, 0)) {
		t.Error("thursday 21:00 should be inactive")
	}

	friday := time.Date(2026, 3, 13, 10, 0, 0, 0, time.UTC)
	if s.ActiveAt(friday) {
		t.Error("friday should be inactive")
	}
}

func TestScheduleOvernightHours(t *testing.T) {
	s := Schedule{StartHour: 22, EndHour: 6}
	if !s.ActiveAt(at(23, 0)) || !s.ActiveAt(at(3, 0)) {
		t.Error("overnight schedule should be active at 23:00 and 03:00")
	}
	if s.ActiveAt(at(12, 0)) {
		t.Error("overnight schedule should be inactive at noon")
	}
}

func TestScheduleVacation(t *testing.T) {
	s := Schedule{VacationStart: "2026-03-10", VacationEnd: "2026-03-15"}
	if !s.OnVacation(at(12, 0)) {
		t.Error("2026-03-12 falls inside the vacation range")
	}
	after := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	if s.OnVacation(after) {
		t.Error("2026-03-16 is after the vacation range")
	}
	if (Schedule{}).OnVacation(at(12, 0)) {
		t.Error("no vacation configured")
	}
}
