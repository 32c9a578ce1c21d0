package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Validate(DefaultConfig()); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{
			name: "rtu endpoint missing device",
			cfg: &Config{RTUEndpoints: []RTUEndpoint{
				{Name: "meter1", BaudRate: 9600},
			}},
		},
		{
			name: "rtu endpoint missing baud rate",
			cfg: &Config{RTUEndpoints: []RTUEndpoint{
				{Name: "meter1", Device: "/dev/ttyUSB0"},
			}},
		},
		{
			name: "tcp endpoint missing address",
			cfg: &Config{TCPEndpoints: []TCPEndpoint{
				{Name: "plc1"},
			}},
		},
		{
			name: "mapping missing name",
			cfg: &Config{RTUEndpoints: []RTUEndpoint{
				{Name: "meter1", Device: "/dev/ttyUSB0", BaudRate: 9600, Mappings: []MappingConfig{
					{RegisterCount: 1},
				}},
			}},
		},
		{
			name: "mapping bad register count",
			cfg: &Config{RTUEndpoints: []RTUEndpoint{
				{Name: "meter1", Device: "/dev/ttyUSB0", BaudRate: 9600, Mappings: []MappingConfig{
					{Name: "temp", RegisterCount: 3},
				}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.cfg); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := &Config{
		RTUEndpoints: []RTUEndpoint{
			{
				Name: "meter1", Device: "/dev/ttyUSB0", BaudRate: 9600, Unit: 7,
				Mappings: []MappingConfig{
					{Name: "temperature", Start: 0, RegisterCount: 1, Scale: 0.1},
				},
			},
		},
		Logging: LoggingConfig{Level: "debug", Format: "json", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true, Listen: ":9100", Endpoint: "/metrics"},
	}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(got.RTUEndpoints) != 1 || got.RTUEndpoints[0].Name != "meter1" {
		t.Errorf("RTUEndpoints = %+v, want one endpoint named meter1", got.RTUEndpoints)
	}
	if got.RTUEndpoints[0].Mappings[0].Scale != 0.1 {
		t.Errorf("mapping scale = %v, want 0.1", got.RTUEndpoints[0].Mappings[0].Scale)
	}
	if got.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", got.Logging.Level)
	}
}

func TestLoadFallsBackToDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(cwd)

	got, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.RTUEndpoints) != 0 || len(got.TCPEndpoints) != 0 {
		t.Errorf("expected an empty default config, got %+v", got)
	}
}
