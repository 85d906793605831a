package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func valid() *Config {
	return &Config{
		Ledger:    LedgerConfig{Backend: LedgerDevchain},
		Store:     StoreConfig{Engine: StoreLevelDB, Path: "/tmp/records"},
		AuditPath: "/tmp/audit.db",
		Biometric: BiometricConfig{Mock: true},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"evm without url", func(c *Config) {
			c.Ledger.Backend = LedgerEVM
			c.Ledger.EVM.Contract = "0x01"
		}, "ledger.url"},
		{"unknown ledger", func(c *Config) { c.Ledger.Backend = "fabric" }, "unknown ledger.backend"},
		{"leveldb without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"unknown engine", func(c *Config) { c.Store.Engine = "sqlite" }, "unknown store.engine"},
		{"no audit path", func(c *Config) { c.AuditPath = "" }, "audit.path"},
		{"no biometric url", func(c *Config) { c.Biometric.Mock = false }, "biometric.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidatePostgresNeedsNoPath(t *testing.T) {
	c := valid()
	c.Store = StoreConfig{Engine: StorePostgres}
	c.Biometric = BiometricConfig{URL: "http://faces:8000"}
	require.NoError(t, c.Validate())
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
	require.Nil(t, splitList(""))
}
