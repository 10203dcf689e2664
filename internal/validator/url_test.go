package validator

import "testing"

func TestValidateUpstreamAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
	}{
		{name: "loopback with port", address: "127.0.0.1:2500", wantErr: false},
		{name: "hostname with port", address: "db-upstream.internal:5432", wantErr: false},
		{name: "ipv6 with port", address: "[::1]:2500", wantErr: false},
		{name: "empty", address: "", wantErr: true},
		{name: "missing port", address: "127.0.0.1", wantErr: true},
		{name: "missing host", address: ":2500", wantErr: true},
		{name: "port zero", address: "127.0.0.1:0", wantErr: true},
		{name: "port too large", address: "127.0.0.1:70000", wantErr: true},
		{name: "non-numeric port", address: "127.0.0.1:abc", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateUpstreamAddress(tc.address)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q, got nil", tc.address)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("expected no error for %q, got %v", tc.address, err)
			}
		})
	}
}
