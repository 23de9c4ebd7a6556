package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultsDecode(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := decode(v)
	if err != nil {
		t.Fatalf("decode defaults: %v", err)
	}

	if cfg.Admission.MaxPerWindow != 10 {
		t.Errorf("maxperwindow = %d, want 10", cfg.Admission.MaxPerWindow)
	}
	if cfg.Admission.Window != time.Minute {
		t.Errorf("window = %s, want 1m", cfg.Admission.Window)
	}
	if cfg.Moderation.PollInterval != 5*time.Second {
		t.Errorf("pollinterval = %s, want 5s", cfg.Moderation.PollInterval)
	}
	if cfg.Moderation.BackoffInterval != 60*time.Second {
		t.Errorf("backoffinterval = %s, want 60s", cfg.Moderation.BackoffInterval)
	}
	if cfg.Moderation.MaxRetries != 3 {
		t.Errorf("maxretries = %d, want 3", cfg.Moderation.MaxRetries)
	}
	if !cfg.Moderation.Enabled || !cfg.Moderation.AutoEnforce {
		t.Errorf("expected screening and enforcement enabled by default")
	}
	if len(cfg.Upload.AllowedFormats) != 5 {
		t.Errorf("allowedformats = %v", cfg.Upload.AllowedFormats)
	}
}

func TestDecodeCommaSeparatedFormats(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("upload.allowedformats", "jpeg,png")

	cfg, err := decode(v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cfg.Upload.AllowedFormats) != 2 || cfg.Upload.AllowedFormats[1] != "png" {
		t.Fatalf("allowedformats = %v", cfg.Upload.AllowedFormats)
	}
}

func TestValidateRejectsBadIntervals(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("moderation.pollinterval", "0s")
	v.Set("moderation.maxretries", 0)

	_, err := decode(v)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "pollinterval") || !strings.Contains(err.Error(), "maxretries") {
		t.Fatalf("unexpected error: %v", err)
	}
}
