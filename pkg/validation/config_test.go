package validation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestConfigValidatorCollectsAllErrors(t *testing.T) {
	v := NewConfigValidator("Config").
		Required("Name", "").
		RangeInt("Size", 0, 1, 10).
		MinDuration("Wait", time.Millisecond, time.Second).
		Positive("Weight", 1)

	if len(v.Errors()) != 3 {
		t.Fatalf("got %d errors, want 3: %v", len(v.Errors()), v.Errors())
	}
	err := v.Validate()
	if err == nil || !strings.Contains(err.Error(), "Config.Size") {
		t.Errorf("Validate() = %v", err)
	}
}

func TestConfigValidatorWhenAndCustom(t *testing.T) {
	sentinel := errors.New("bad")

	err := NewConfigValidator("Config").
		When(false, func(cv *ConfigValidator) { cv.Required("Skipped", "") }).
		When(true, func(cv *ConfigValidator) {
			cv.Custom("Checked", func() error { return sentinel })
		}).
		Validate()

	if !errors.Is(err, sentinel) {
		t.Errorf("Validate() = %v, want wrapped sentinel", err)
	}
	if strings.Contains(err.Error(), "Skipped") {
		t.Errorf("When(false) must not validate: %v", err)
	}
	if NewConfigValidator("Empty").Validate() != nil {
		t.Error("empty validator must pass")
	}
}

func TestDefaults(t *testing.T) {
	if DefaultOrInt(0, 5) != 5 || DefaultOrInt(3, 5) != 3 {
		t.Error("DefaultOrInt mismatch")
	}
	if DefaultOrDuration(-1, time.Second) != time.Second {
		t.Error("DefaultOrDuration mismatch")
	}
	if DefaultOr("", "x") != "x" || DefaultOr("y", "x") != "y" {
		t.Error("DefaultOr mismatch")
	}
	if ClampInt(50, 1, 10) != 10 || ClampInt(-1, 1, 10) != 1 || ClampInt(4, 1, 10) != 4 {
		t.Error("ClampInt mismatch")
	}
}

type taggedConfig struct {
	Listen string `validate:"required,hostname_port"`
	Peers  []int  `validate:"max=3"`
}

func TestStructTags(t *testing.T) {
	if err := Struct(&taggedConfig{Listen: "localhost:8989"}); err != nil {
		t.Errorf("valid struct rejected: %v", err)
	}

	err := Struct(&taggedConfig{})
	if err == nil || !strings.Contains(err.Error(), "field is required") {
		t.Errorf("missing field error = %v", err)
	}

	err = Struct(&taggedConfig{Listen: "localhost:1", Peers: []int{1, 2, 3, 4}})
	if err == nil || !strings.Contains(err.Error(), "must not exceed 3") {
		t.Errorf("max error = %v", err)
	}

	if err := Var("addr", "nope", "hostname_port"); err == nil || !strings.Contains(err.Error(), "host:port") {
		t.Errorf("Var() error = %v", err)
	}
}
