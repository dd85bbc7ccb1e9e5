package utils

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestNormalizePhoneNumber(t *testing.T) {
	cases := []struct {
		in, region, want string
	}{
		{"(480) 555-0100", "US", "4805550100"},
		{"+1 480-555-0100", "US", "4805550100"},
		{"480.555.0100", "", "4805550100"},
		{"", "US", ""},
		{"call me", "US", ""},
	}
	for _, tc := range cases {
		if got := NormalizePhoneNumber(tc.in, tc.region); got != tc.want {
			t.Fatalf("NormalizePhoneNumber(%q, %q) = %q, want %q", tc.in, tc.region, got, tc.want)
		}
	}
}

func TestProcessValidationErrors(t *testing.T) {
	type payload struct {
		Record string `validate:"required"`
		Note   string `validate:"max=3"`
	}
	err := validator.New().Struct(payload{Note: "too long"})
	got := ProcessValidationErrors(err)
	if got["Record"] != "required" || got["Note"] != "max" {
		t.Fatalf("got %v", got)
	}
}
