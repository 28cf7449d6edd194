package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
)

func TestCouponCreateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"blank code", []string{"  ", "--percent", "10"}, "code must not be empty"},
		{"percent too high", []string{"SAVE", "--percent", "150"}, "percent must be between"},
		{"negative percent", []string{"SAVE", "--percent=-1"}, "percent must be between"},
		{"bad expiry", []string{"SAVE", "--percent", "10", "--expires", "tomorrow"}, "expires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			cmd := couponCmd(&env{configPath: &path})
			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})

			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestInvalidateRequiresPattern(t *testing.T) {
	path := ""
	cmd := invalidateCmd(&env{configPath: &path})
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestReconcileRejectsBadResolution(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing resolution", []string{"e1"}, "accepts 2 arg(s)"},
		{"pending is not a resolution", []string{"e1", "pending"}, "resolution must be paid or failed"},
		{"free is not a resolution", []string{"e1", "free"}, "resolution must be paid or failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			cmd := reconcileCmd(&env{configPath: &path})
			cmd.SetArgs(tt.args)
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})

			err := cmd.Execute()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseResolution(t *testing.T) {
	for in, want := range map[string]domain.PaymentStatus{"paid": domain.StatusPaid, " FAILED ": domain.StatusFailed} {
		got, err := parseResolution(in)
		if err != nil || got != want {
			t.Fatalf("parseResolution(%q) = %q, %v", in, got, err)
		}
	}
}
