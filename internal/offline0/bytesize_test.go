package offline0

import "testing"

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"64k", 64 << 10, false},
		{"64kb", 64 << 10, false},
		{"1.5m", 3 << 19, false},
		{" 2G ", 2 << 30, false},
		{"0", 0, false},
		{"", 0, true},
		{"b", 0, true},
		{"-1k", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBytes(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseBytes(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseBytes(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint64]string{
		0:             "0b",
		1023:          "1023b",
		1024:          "1kb",
		1536:          "1.5kb",
		5 << 20:       "5mb",
		(3 << 30) / 2: "1.5gb",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
