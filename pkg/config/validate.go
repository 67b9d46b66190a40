package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// minSigningKey matches the HS256 key length the HTTP registry signer requires
const minSigningKey = 32

// Validate checks field constraints and the rules that span sections
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, formatValidationError(err))
	}

	if c.Membership.PeerTTL <= c.Membership.HeartbeatInterval {
		return fmt.Errorf("%w: membership.peer_ttl must exceed membership.heartbeat_interval", ErrInvalidConfig)
	}

	switch c.Registry.Kind {
	case RegistryPostgres:
		if c.Registry.DSN == "" {
			return fmt.Errorf("%w: registry.dsn is required for the postgres registry", ErrInvalidConfig)
		}
	case RegistryHTTP:
		if c.Registry.URL == "" {
			return fmt.Errorf("%w: registry.url is required for the http registry", ErrInvalidConfig)
		}
	case RegistryFile:
		if c.Registry.File == "" {
			return fmt.Errorf("%w: registry.file is required for the file registry", ErrInvalidConfig)
		}
	}

	if c.Registry.SigningKey != "" {
		if c.Registry.Kind != RegistryHTTP {
			return fmt.Errorf("%w: registry.signing_key only applies to the http registry", ErrInvalidConfig)
		}
		if len(c.Registry.SigningKey) < minSigningKey {
			return fmt.Errorf("%w: registry.signing_key must be at least %d characters", ErrInvalidConfig, minSigningKey)
		}
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		return fmt.Errorf("%w: status.addr is required when the status server is enabled", ErrInvalidConfig)
	}

	return nil
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
