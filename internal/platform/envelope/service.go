package envelope

import (
	"fmt"

	"github.com/rs/zerolog"
)

// NewFromConfig builds an Envelope from a hex key as loaded from the
// environment. maxDecompressed caps gunzip output (zero for the default).
//
// An empty key is only accepted in development: a random key is generated for
// the lifetime of the process and a warning is logged, since anything
// encrypted with it cannot be decrypted after a restart.
func NewFromConfig(keyHex string, exposeKey, dev bool, maxDecompressed int64, logger zerolog.Logger) (*Envelope, error) {
	var key []byte
	if keyHex == "" {
		if !dev {
			return nil, fmt.Errorf("IPS_ENCRYPTION_KEY is required outside development")
		}
		k, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		key = k
		logger.Warn().Msg("IPS_ENCRYPTION_KEY is not set, using an ephemeral key")
	} else {
		k, err := ParseHexKey(keyHex)
		if err != nil {
			return nil, fmt.Errorf("IPS_ENCRYPTION_KEY: %w", err)
		}
		key = k
	}

	env, err := New(Config{Key: key, ExposeKey: exposeKey, MaxDecompressed: maxDecompressed})
	if err != nil {
		return nil, err
	}

	logger.Info().Bool("expose_key", exposeKey).Msg("payload encryption enabled")
	return env, nil
}
