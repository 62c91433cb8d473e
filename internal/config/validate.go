package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate runs the struct tags and the cross-field checks and reports every
// failure at once.
func Validate(cfg *Config) error {
	var allErrs []error

	if err := structErrors(cfg); err != nil {
		allErrs = append(allErrs, err)
	}
	if err := validateBroker(&cfg.Broker); err != nil {
		allErrs = append(allErrs, err)
	}
	if err := validateTLS("audit.tls", &cfg.Audit.TLS); err != nil {
		allErrs = append(allErrs, err)
	}
	if s := cfg.Audit.SASL; s.Enabled && (strings.TrimSpace(s.Username) == "" || s.Password == "") {
		allErrs = append(allErrs, errors.New("audit.sasl: enabled requires username and password"))
	}
	if len(cfg.Audit.Brokers) > 0 && strings.TrimSpace(cfg.Audit.Topic) == "" {
		allErrs = append(allErrs, errors.New("audit.topic is required when audit.brokers is set"))
	}

	return joinErrors(allErrs)
}

func structErrors(cfg *Config) error {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	err := v.Struct(cfg)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			errs = append(errs, fmt.Errorf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return joinErrors(errs)
}

func validateBroker(b *BrokerConfig) error {
	var errs []error

	if b.RequestQueue != "" && b.RequestQueue == b.ResponseQueue {
		errs = append(errs, fmt.Errorf("broker: request_queue and response_queue must differ (both %q)", b.RequestQueue))
	}

	url := strings.ToLower(strings.TrimSpace(b.URL))
	switch b.Kind {
	case "rabbitmq":
		if url != "" && !strings.HasPrefix(url, "amqp://") && !strings.HasPrefix(url, "amqps://") {
			errs = append(errs, fmt.Errorf("broker.url: %q is not an amqp:// or amqps:// url", b.URL))
		}
	case "nats":
		if url != "" && !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
			errs = append(errs, fmt.Errorf("broker.url: %q is not a nats:// or tls:// url", b.URL))
		}
		if b.Token != "" && b.Username != "" {
			errs = append(errs, errors.New("broker: token and username are mutually exclusive"))
		}
	}

	if err := validateTLS("broker.tls", &b.TLS); err != nil {
		errs = append(errs, err)
	}
	return joinErrors(errs)
}

// validateTLS: verifying peers needs a CA file; cert and key come together.
func validateTLS(field string, t *TLSConfig) error {
	if !t.Enabled {
		return nil
	}
	var errs []error
	if !t.InsecureSkipVerify && strings.TrimSpace(t.CAFile) == "" {
		errs = append(errs, fmt.Errorf("%s: enabled=true & verify=true requires ca_file", field))
	}
	hasCert := strings.TrimSpace(t.CertFile) != ""
	hasKey := strings.TrimSpace(t.KeyFile) != ""
	if hasCert != hasKey {
		errs = append(errs, fmt.Errorf("%s: cert_file and key_file must be provided together", field))
	}
	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	var filtered []string
	for _, e := range errs {
		if e != nil {
			filtered = append(filtered, e.Error())
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return errors.New(strings.Join(filtered, "\n"))
}
