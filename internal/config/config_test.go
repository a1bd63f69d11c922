package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvParsers(t *testing.T) {
	t.Setenv("TUNELAB_T_INT", "42")
	t.Setenv("TUNELAB_T_FLOAT", "0.25")
	t.Setenv("TUNELAB_T_BOOL", " true ")
	t.Setenv("TUNELAB_T_DUR", "5s")

	if v, err := envInt("TUNELAB_T_INT", 0); err != nil || v != 42 {
		t.Fatalf("envInt = %d, %v", v, err)
	}
	if v, err := envInt("TUNELAB_T_UNSET", 99); err != nil || v != 99 {
		t.Fatalf("envInt fallback = %d, %v", v, err)
	}
	if v, err := envFloat("TUNELAB_T_FLOAT", 0); err != nil || v != 0.25 {
		t.Fatalf("envFloat = %v, %v", v, err)
	}
	if v, err := envBool("TUNELAB_T_BOOL", false); err != nil || !v {
		t.Fatalf("envBool = %v, %v", v, err)
	}
	if v, err := envDuration("TUNELAB_T_DUR", 0); err != nil || v != 5*time.Second {
		t.Fatalf("envDuration = %s, %v", v, err)
	}
}

func TestEnvParserErrors(t *testing.T) {
	cases := []struct {
		key, value, want string
		parse            func(string) error
	}{
		{"TUNELAB_T_INT", "abc", `TUNELAB_T_INT="abc" is not a valid integer`,
			func(k string) error { _, err := envInt(k, 0); return err }},
		{"TUNELAB_T_FLOAT", "five percent", `TUNELAB_T_FLOAT="five percent" is not a valid number`,
			func(k string) error { _, err := envFloat(k, 0); return err }},
		{"TUNELAB_T_BOOL", "maybe", `TUNELAB_T_BOOL="maybe" is not a valid boolean`,
			func(k string) error { _, err := envBool(k, false); return err }},
		{"TUNELAB_T_DUR", "five-seconds", `TUNELAB_T_DUR="five-seconds" is not a valid duration`,
			func(k string) error { _, err := envDuration(k, 0); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			err := tc.parse(tc.key)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if err.Error() != tc.want {
				t.Fatalf("unexpected error message: %s", err)
			}
		})
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("TUNELAB_STATUS_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid TUNELAB_STATUS_PORT")
	}
	if got := err.Error(); !strings.Contains(got, "TUNELAB_STATUS_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention TUNELAB_STATUS_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("TUNELAB_STATUS_PORT", "abc")
	t.Setenv("TUNELAB_FAIL_DELAY", "ten minutes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "TUNELAB_STATUS_PORT") {
		t.Fatalf("error should mention TUNELAB_STATUS_PORT, got: %s", got)
	}
	if !strings.Contains(got, "TUNELAB_FAIL_DELAY") {
		t.Fatalf("error should mention TUNELAB_FAIL_DELAY, got: %s", got)
	}
}

func TestLoadRejectsUnknownBus(t *testing.T) {
	t.Setenv("TUNELAB_BUS", "carrier-pigeon")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TUNELAB_BUS") {
		t.Fatalf("expected bus error, got: %v", err)
	}
}

func TestLoadRejectsNonPositiveTick(t *testing.T) {
	t.Setenv("TUNELAB_SCHEDULER_TICK", "0s")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TUNELAB_SCHEDULER_TICK") {
		t.Fatalf("expected tick error, got: %v", err)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.StatusPort != 8090 {
		t.Fatalf("expected default status port 8090, got %d", cfg.StatusPort)
	}
	if cfg.FailLimit != 3 || cfg.FailDelay != 10*time.Minute {
		t.Fatalf("unexpected failure policy defaults: %d %s", cfg.FailLimit, cfg.FailDelay)
	}
	if cfg.Bus != BusRedis {
		t.Fatalf("expected redis bus by default, got %q", cfg.Bus)
	}
}
