package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("backend_type", func(fl validator.FieldLevel) bool {
		_, err := ParseBackendType(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints and the settings the selected backend
// requires.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.Backend.Type {
	case BackendEmbedded:
		if c.Backend.SQLite.Path == "" {
			return errors.New("invalid config: backend.sqlite.path is required for the embedded backend")
		}
		visibility := c.Backend.SQLite.Visibility
		if visibility == 0 {
			visibility = DefaultSQLiteVisibility
		}
		if c.Worker.HandlerTimeout >= visibility {
			return fmt.Errorf("invalid config: worker.handler_timeout (%s) must be below backend.sqlite.visibility (%s)",
				c.Worker.HandlerTimeout, visibility)
		}
	case BackendCloud:
		if c.Backend.SQS.QueueURL == "" {
			return errors.New("invalid config: backend.sqs.queue_url is required for the cloud backend")
		}
		if c.Backend.SQS.Region == "" {
			return errors.New("invalid config: backend.sqs.region is required for the cloud backend")
		}
		if vt := c.Backend.SQS.VisibilityTimeout; vt > 0 && c.Worker.HandlerTimeout >= vt {
			return fmt.Errorf("invalid config: worker.handler_timeout (%s) must be below backend.sqs.visibility_timeout (%s)",
				c.Worker.HandlerTimeout, vt)
		}
	case BackendDistributed:
		if c.Backend.Broker.URL == "" && c.Backend.Broker.Addr == "" {
			return errors.New("invalid config: backend.broker.addr or backend.broker.url is required for the distributed backend")
		}
	}
	return nil
}
