package urlcheck

import (
	"context"
	"testing"
)

func TestValidate(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		url     string
		private bool
		wantErr bool
	}{
		{"https public ip", "https://93.184.216.34/hook", false, false},
		{"http public ip", "http://93.184.216.34:8080/hook", false, false},
		{"loopback rejected", "http://127.0.0.1/hook", false, true},
		{"localhost rejected", "http://localhost:9000/hook", false, true},
		{"private range rejected", "http://10.0.0.5/hook", false, true},
		{"rfc1918 rejected", "https://192.168.1.20/hook", false, true},
		{"link local rejected", "http://169.254.169.254/latest/meta-data", false, true},
		{"unspecified rejected", "http://0.0.0.0/hook", false, true},
		{"ftp scheme rejected", "ftp://example.com/hook", false, true},
		{"no host rejected", "https:///hook", false, true},
		{"garbage rejected", "http://%41:8080/", false, true},
		{"loopback allowed when private permitted", "http://127.0.0.1:9999/hook", true, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(ctx, tc.url, tc.private)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection for %s", tc.url)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}
