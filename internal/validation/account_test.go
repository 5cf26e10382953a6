package validation

import "testing"

func TestIsValidTransferAccount(t *testing.T) {
	tests := []struct {
		name   string
		number string
		want   bool
	}{
		{name: "valid card number", number: "4561261212345467", want: true},
		{name: "valid short number", number: "12345678903", want: true},
		{name: "invalid checksum", number: "4561261212345464", want: false},
		{name: "empty", number: "", want: false},
		{name: "non-digits", number: "4561a61212345467", want: false},
		{name: "spaces", number: "4561 2612 1234 5467", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidTransferAccount(tt.number); got != tt.want {
				t.Fatalf("IsValidTransferAccount(%q) = %v, want %v", tt.number, got, tt.want)
			}
		})
	}
}
