package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_GET_ENV_SET", "custom_value")
	if got := GetEnv("TEST_GET_ENV_SET", "default"); got != "custom_value" {
		t.Fatalf("GetEnv = %q, want custom_value", got)
	}
	if got := GetEnv("TEST_GET_ENV_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv = %q, want fallback", got)
	}
}

func TestGetEnvNumbers(t *testing.T) {
	tests := []struct {
		name  string
		value string
		check func(t *testing.T)
	}{
		{
			name:  "int parses",
			value: "42",
			check: func(t *testing.T) {
				if got := GetEnvInt("TEST_ENV_NUM", 1); got != 42 {
					t.Fatalf("GetEnvInt = %d, want 42", got)
				}
			},
		},
		{
			name:  "int falls back on garbage",
			value: "forty",
			check: func(t *testing.T) {
				if got := GetEnvInt64("TEST_ENV_NUM", 7); got != 7 {
					t.Fatalf("GetEnvInt64 = %d, want 7", got)
				}
			},
		},
		{
			name:  "bool parses",
			value: "true",
			check: func(t *testing.T) {
				if !GetEnvBool("TEST_ENV_NUM", false) {
					t.Fatal("GetEnvBool = false, want true")
				}
			},
		},
		{
			name:  "float parses",
			value: "0.5",
			check: func(t *testing.T) {
				if got := GetEnvFloat64("TEST_ENV_NUM", 1); got != 0.5 {
					t.Fatalf("GetEnvFloat64 = %v, want 0.5", got)
				}
			},
		},
		{
			name:  "duration parses",
			value: "45s",
			check: func(t *testing.T) {
				if got := GetEnvDuration("TEST_ENV_NUM", time.Second); got != 45*time.Second {
					t.Fatalf("GetEnvDuration = %v, want 45s", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_ENV_NUM", tt.value)
			tt.check(t)
		})
	}
}

func TestGetEnvDecimal(t *testing.T) {
	def := decimal.RequireFromString("0.03")

	t.Setenv("TEST_ENV_FEE", " 0.0025 ")
	if got := GetEnvDecimal("TEST_ENV_FEE", def); !got.Equal(decimal.RequireFromString("0.0025")) {
		t.Fatalf("GetEnvDecimal = %s, want 0.0025", got)
	}

	t.Setenv("TEST_ENV_FEE", "three percent")
	if got := GetEnvDecimal("TEST_ENV_FEE", def); !got.Equal(def) {
		t.Fatalf("GetEnvDecimal = %s, want default", got)
	}
}

func TestIsInsecureDevSecret(t *testing.T) {
	if !IsInsecureDevSecret("dev-internal-token-change-me") {
		t.Fatal("expected dev token to be flagged")
	}
	if IsInsecureDevSecret("a-real-token-generated-for-production-use") {
		t.Fatal("expected real token to pass")
	}
}
