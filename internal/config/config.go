package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port        string
	Environment string
	StoreType   string
	MongoURI    string
	MongoDB     string

	ChainID       string
	ChainSeed     int64
	OwnerID       string
	TrustedChains []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		StoreType:   getEnv("STORE_TYPE", "mongo"),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:     getEnv("MONGO_DB", "x402"),
		ChainID:     getEnv("CHAIN_ID", "base-mainnet"),
		OwnerID:     getEnv("OWNER_ID", "x402:owner"),
	}

	if seed := getEnv("CHAIN_SEED", ""); seed != "" {
		if n, err := strconv.ParseInt(seed, 10, 64); err == nil {
			cfg.ChainSeed = n
		}
	}
	if chains := getEnv("TRUSTED_CHAINS", ""); chains != "" {
		for _, c := range strings.Split(chains, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.TrustedChains = append(cfg.TrustedChains, c)
			}
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
