package storage

import "testing"

func TestGCResult_IsEmpty(t *testing.T) {
	tests := []struct {
		name   string
		result GCResult
		want   bool
	}{
		{"empty result", GCResult{}, true},
		{"non-empty PendingAuthorizations", GCResult{PendingAuthorizations: 1}, false},
		{"non-empty AuthCodes", GCResult{AuthCodes: 1}, false},
		{"non-empty OpaqueLoginSessions", GCResult{OpaqueLoginSessions: 1}, false},
		{"non-empty Sessions", GCResult{Sessions: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewID(t *testing.T) {
	tests := []struct {
		name string
		n    int
	}{
		{"16 bytes", 16},
		{"32 bytes", 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := NewID(tt.n)
			if id == "" {
				t.Fatal("NewID() returned empty string")
			}
			if id2 := NewID(tt.n); id2 == id {
				t.Error("NewID() returned the same value twice")
			}
		})
	}
}
