package metacache

import "testing"

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate cleanly: %v", err)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
	}{
		{"zero TTL", func(c *Config) { c.TabletLocationsByIDTTL = 0 }},
		{"zero permit cap", func(c *Config) { c.MaxMasterRPCsInFlight = 0 }},
		{"zero max locations point", func(c *Config) { c.MaxReturnedLocationsPoint = 0 }},
		{"backoff max below initial", func(c *Config) { c.RetryBackoffMax = c.RetryBackoffInitial / 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mut(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected Validate to reject the mutated config")
			}
		})
	}
}
