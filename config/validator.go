package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	configValidate *validator.Validate
	bucketPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

func init() {
	configValidate = validator.New(validator.WithRequiredStructEnabled())

	// Report yaml key paths ("router.device_timeout") instead of Go names.
	configValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = configValidate.RegisterValidation("subject", validateSubject)
	_ = configValidate.RegisterValidation("bucket", validateBucket)
}

// validateSubject accepts a dot-separated NATS subject without wildcards.
func validateSubject(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return false
	}
	for _, token := range strings.Split(s, ".") {
		if token == "" || token == "*" || token == ">" || strings.ContainsAny(token, " \t\r\n") {
			return false
		}
	}
	return true
}

func validateBucket(fl validator.FieldLevel) bool {
	return bucketPattern.MatchString(fl.Field().String())
}

// Validate checks struct tags, then the settings that depend on each other.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return readable(err)
	}
	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("cache.histories: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics.enabled is set")
	}
	if c.Client.Timeout.D() < c.Router.PollInterval.D() {
		return fmt.Errorf("client.timeout (%s) is shorter than router.poll_interval (%s)",
			c.Client.Timeout.D(), c.Router.PollInterval.D())
	}
	return nil
}

// readable flattens validator errors into one line per field.
func readable(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
