// Package config turns the flat configuration keys into typed settings for
// each component. Only the command layer calls Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"ballot-ledger/api"
	"ballot-ledger/blockchain/devchain"
	"ballot-ledger/blockchain/evm"
	"ballot-ledger/service"
	"ballot-ledger/storage"

	echa "github.com/echa/config"
)

const (
	LedgerEVM      = "evm"
	LedgerDevchain = "devchain"

	StoreLevelDB  = "leveldb"
	StorePostgres = "postgres"
)

type LedgerConfig struct {
	Backend  string
	EVM      evm.Config
	Devchain devchain.Config
}

type StoreConfig struct {
	Engine   string
	Path     string
	Postgres storage.PostgresConfig
}

type BiometricConfig struct {
	URL     string
	Timeout time.Duration
	Mock    bool
}

type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type Config struct {
	Ledger          LedgerConfig
	Store           StoreConfig
	AuditPath       string
	Server          api.Config
	ShutdownTimeout time.Duration
	Auth            AuthConfig
	Biometric       BiometricConfig
	Service         service.Config
}

// Load reads every key once. Defaults are registered by the command layer.
func Load() (*Config, error) {
	timeout := echa.GetDuration("ledger.timeout")
	c := &Config{
		Ledger: LedgerConfig{
			Backend: strings.ToLower(echa.GetString("ledger.backend")),
			EVM: evm.Config{
				URL:      echa.GetString("ledger.url"),
				Contract: echa.GetString("ledger.contract"),
				Keys:     splitList(echa.GetString("ledger.keys")),
				Timeout:  timeout,
				Gas: evm.GasConfig{
					RegisterVoter:     uint64(echa.GetInt64("ledger.gas.register_voter")),
					RegisterCandidate: uint64(echa.GetInt64("ledger.gas.register_candidate")),
					RegisterParty:     uint64(echa.GetInt64("ledger.gas.register_party")),
					Vote:              uint64(echa.GetInt64("ledger.gas.vote")),
				},
			},
			Devchain: devchain.Config{
				Path:       echa.GetString("ledger.devchain.path"),
				Keep:       echa.GetInt("ledger.devchain.keep"),
				NetworkID:  echa.GetString("ledger.network_id"),
				Accounts:   echa.GetInt("ledger.devchain.accounts"),
				Difficulty: uint8(echa.GetInt("ledger.devchain.difficulty")),
				Latency:    echa.GetDuration("ledger.devchain.latency"),
			},
		},
		Store: StoreConfig{
			Engine: strings.ToLower(echa.GetString("store.engine")),
			Path:   echa.GetString("store.path"),
			Postgres: storage.PostgresConfig{
				URL:            echa.GetString("store.postgres.url"),
				Host:           echa.GetString("store.postgres.host"),
				Port:           echa.GetInt("store.postgres.port"),
				User:           echa.GetString("store.postgres.user"),
				Password:       echa.GetString("store.postgres.password"),
				Name:           echa.GetString("store.postgres.name"),
				SSLMode:        echa.GetString("store.postgres.sslmode"),
				ConnectRetries: echa.GetInt("store.postgres.connect_retries"),
				RetryDelay:     echa.GetDuration("store.postgres.retry_delay"),
			},
		},
		AuditPath: echa.GetString("audit.path"),
		Server: api.Config{
			Addr:         fmt.Sprintf("%s:%d", echa.GetString("server.addr"), echa.GetInt("server.port")),
			ReadTimeout:  echa.GetDuration("server.read_timeout"),
			WriteTimeout: echa.GetDuration("server.write_timeout"),
			RateLimit:    echa.GetFloat64("server.rate_limit"),
			RateBurst:    echa.GetInt("server.rate_burst"),
			MaxBodyBytes: echa.GetInt64("server.max_body_bytes"),
		},
		ShutdownTimeout: echa.GetDuration("server.shutdown_timeout"),
		Auth: AuthConfig{
			Secret:   echa.GetString("auth.secret"),
			TokenTTL: echa.GetDuration("auth.token_ttl"),
		},
		Biometric: BiometricConfig{
			URL:     echa.GetString("biometric.url"),
			Timeout: echa.GetDuration("biometric.timeout"),
			Mock:    echa.GetBool("biometric.mock"),
		},
		Service: service.Config{
			LedgerTimeout: timeout,
			QueueSize:     echa.GetInt("queue.size"),
			AuditInterval: echa.GetDuration("reconcile.interval"),
			Audit: service.Options{
				RepairCounts: echa.GetBool("reconcile.repair_counts"),
				CheckVoters:  echa.GetBool("reconcile.check_voters"),
				Journal:      echa.GetBool("reconcile.journal"),
			},
		},
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case LedgerEVM:
		if c.Ledger.EVM.URL == "" || c.Ledger.EVM.Contract == "" {
			return fmt.Errorf("ledger.url and ledger.contract are required for the evm backend")
		}
	case LedgerDevchain:
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}
	switch c.Store.Engine {
	case StoreLevelDB:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the leveldb engine")
		}
	case StorePostgres:
	default:
		return fmt.Errorf("unknown store.engine %q", c.Store.Engine)
	}
	if c.AuditPath == "" {
		return fmt.Errorf("audit.path is required")
	}
	if !c.Biometric.Mock && c.Biometric.URL == "" {
		return fmt.Errorf("biometric.url is required unless biometric.mock is set")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
