package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their TOML key so messages match the file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that the config has all required fields.
func (c *Config) Validate() error {
	if c.Account.UserID == "" {
		return fmt.Errorf("account.user_id is required, run 'cityminer init'")
	}
	if c.Ledger.Token == "" {
		return fmt.Errorf("ledger.token is required, run 'cityminer init' or set CITYMINER_TOKEN")
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	if c.Engine.AutoInterval.Duration <= 0 {
		return fmt.Errorf("engine.auto_interval must be positive")
	}
	if c.Engine.ClaimTimeout.Duration <= 0 {
		return fmt.Errorf("engine.claim_timeout must be positive")
	}
	if c.Engine.BoostDuration.Duration <= 0 {
		return fmt.Errorf("engine.boost_duration must be positive")
	}
	switch c.Store.Backend {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	}
	if c.Events.Backend == "rabbitmq" && c.Events.URL == "" {
		return fmt.Errorf("events.url is required for the rabbitmq backend")
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url":
		return fmt.Errorf("%s must be a valid URL", field)
	case "gte", "lte", "max":
		return fmt.Errorf("%s out of range (%s %s)", field, fe.Tag(), fe.Param())
	default:
		return fmt.Errorf("%s failed %q validation", field, fe.Tag())
	}
}

// Redact returns a copy of the config with secrets masked for display.
func (c *Config) Redact() *Config {
	copy := *c
	copy.Ledger.Token = redactKey(c.Ledger.Token)
	if copy.Store.DSN != "" {
		copy.Store.DSN = redactKey(c.Store.DSN)
	}
	if copy.Events.URL != "" {
		copy.Events.URL = redactKey(c.Events.URL)
	}
	return &copy
}

func redactKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
