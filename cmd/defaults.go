package cmd

import (
	"time"

	"ballot-ledger/blockchain"

	"github.com/echa/config"
)

func init() {
	// ledger
	config.SetDefault("ledger.backend", "devchain")
	config.SetDefault("ledger.url", "http://127.0.0.1:7545")
	config.SetDefault("ledger.contract", "")
	config.SetDefault("ledger.network_id", "5777")
	config.SetDefault("ledger.keys", "")
	config.SetDefault("ledger.timeout", blockchain.DefaultTimeout)
	config.SetDefault("ledger.gas.register_voter", int64(blockchain.GasRegisterVoter))
	config.SetDefault("ledger.gas.register_candidate", int64(blockchain.GasRegisterCandidate))
	config.SetDefault("ledger.gas.register_party", int64(blockchain.GasRegisterParty))
	config.SetDefault("ledger.gas.vote", int64(blockchain.GasVote))
	config.SetDefault("ledger.devchain.path", "./data/devchain")
	config.SetDefault("ledger.devchain.keep", 5)
	config.SetDefault("ledger.devchain.accounts", 10)
	config.SetDefault("ledger.devchain.difficulty", 0)
	config.SetDefault("ledger.devchain.latency", time.Duration(0))

	// record store
	config.SetDefault("store.engine", "leveldb")
	config.SetDefault("store.path", "./data/store")
	config.SetDefault("store.postgres.url", "")
	config.SetDefault("store.postgres.host", "127.0.0.1")
	config.SetDefault("store.postgres.port", 5432)
	config.SetDefault("store.postgres.user", "postgres")
	config.SetDefault("store.postgres.password", "")
	config.SetDefault("store.postgres.name", "ballot")
	config.SetDefault("store.postgres.sslmode", "disable")
	config.SetDefault("store.postgres.connect_retries", 10)
	config.SetDefault("store.postgres.retry_delay", 2*time.Second)

	// endpoint marker and divergence journal
	config.SetDefault("audit.path", "./data/audit.db")

	// HTTP API server
	config.SetDefault("server.addr", "127.0.0.1")
	config.SetDefault("server.port", 8080)
	config.SetDefault("server.read_timeout", 15*time.Second)
	config.SetDefault("server.write_timeout", 60*time.Second)
	config.SetDefault("server.shutdown_timeout", 15*time.Second)
	config.SetDefault("server.rate_limit", 20.0)
	config.SetDefault("server.rate_burst", 40)
	config.SetDefault("server.max_body_bytes", int64(8<<20))

	config.SetDefault("auth.secret", "")
	config.SetDefault("auth.token_ttl", 12*time.Hour)

	config.SetDefault("biometric.url", "http://127.0.0.1:5001")
	config.SetDefault("biometric.timeout", 30*time.Second)
	config.SetDefault("biometric.mock", false)

	config.SetDefault("reconcile.interval", 10*time.Minute)
	config.SetDefault("reconcile.repair_counts", false)
	config.SetDefault("reconcile.check_voters", false)
	config.SetDefault("reconcile.journal", false)

	config.SetDefault("queue.size", 64)

	// logging
	config.SetDefault("logging.backend", "stdout")
	config.SetDefault("logging.flags", "date,time,micro,utc")
	config.SetDefault("logging.level", "info")
	config.SetDefault("logging.ledger", "info")
	config.SetDefault("logging.store", "info")
	config.SetDefault("logging.service", "info")
	config.SetDefault("logging.server", "info")
}
