package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/quotagate/internal/domain/endpoint"
	"github.com/Sentinel-Gate/quotagate/internal/domain/ratelimit"
)

// customRule is a quota-gate validation tag and the message shown when a
// field fails it.
type customRule struct {
	tag  string
	fn   validator.Func
	hint string
}

var customRules = []customRule{
	{"audit_output", validateAuditOutput, "must be 'stdout', 'none', 'file://<absolute-path>' or 'dir://<absolute-path>'"},
	{"endpoint_path", validateEndpointPath, "must be a path starting with '/' using only [A-Za-z0-9/_-.~:*]"},
	{"http_verb", validateHTTPVerb, "must be an HTTP method (GET, HEAD, POST, PUT, PATCH, DELETE, OPTIONS)"},
	{"tier_name", validateTierName, "must be one of: TIER1 TIER2 TIER3"},
	{"duration", validateDuration, `must be a non-negative duration such as "30s" or "5m"`},
}

// RegisterCustomValidators adds the quota-gate tags to v.
func RegisterCustomValidators(v *validator.Validate) error {
	for _, r := range customRules {
		if err := v.RegisterValidation(r.tag, r.fn); err != nil {
			return fmt.Errorf("register %s validator: %w", r.tag, err)
		}
	}
	return nil
}

func newValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterCustomValidators(v); err != nil {
		return nil, err
	}
	return v, nil
}

// validateAuditOutput accepts "stdout", "none", or a file:// or dir:// URI
// with an absolute path.
func validateAuditOutput(fl validator.FieldLevel) bool {
	out := fl.Field().String()
	switch out {
	case "stdout", "none":
		return true
	}
	path, ok := strings.CutPrefix(out, "file://")
	if !ok {
		path, ok = strings.CutPrefix(out, "dir://")
	}
	return ok && filepath.IsAbs(path)
}

func validateEndpointPath(fl validator.FieldLevel) bool {
	_, err := endpoint.ParsePath(fl.Field().String())
	return err == nil
}

func validateHTTPVerb(fl validator.FieldLevel) bool {
	_, err := endpoint.ParseVerb(fl.Field().String())
	return err == nil
}

// validateTierName accepts named tiers only; the anonymous tier has no quota.
func validateTierName(fl validator.FieldLevel) bool {
	tier, err := ratelimit.ParseTier(fl.Field().String())
	return err == nil && tier.Known()
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

// Validate checks struct tags first, then the rules that span fields.
// Every tag failure is reported in one error.
func (c *Config) Validate() error {
	v, err := newValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}
	if err := c.validateUniqueEndpoints(); err != nil {
		return err
	}
	return c.validateAccessLogBackend()
}

// validateUniqueEndpoints rejects two endpoints with the same verb and
// normalized path.
func (c *Config) validateUniqueEndpoints() error {
	seen := make(map[endpoint.Key]int, len(c.Endpoints))
	for i, e := range c.Endpoints {
		key, err := e.Descriptor().Key()
		if err != nil {
			return fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		if first, ok := seen[key]; ok {
			return fmt.Errorf("endpoints[%d]: duplicate of endpoints[%d] (%s)", i, first, key)
		}
		seen[key] = i
	}
	return nil
}

func (c *Config) validateAccessLogBackend() error {
	al := c.AccessLog
	switch {
	case al.Backend == "sqlite" && al.SQLitePath == "":
		return errors.New("access_log: sqlite backend requires sqlite_path")
	case al.Backend == "redis" && al.Redis.Addr == "":
		return errors.New("access_log: redis backend requires redis.addr")
	}
	return nil
}

// builtinHints phrase the stock validator tags. %s is the tag parameter.
var builtinHints = map[string]string{
	"required":      "is required",
	"min":           "must be at least %s",
	"max":           "must be at most %s",
	"oneof":         "must be one of: %s",
	"startswith":    "must start with %q",
	"hostname_port": "must be a valid host:port",
}

// formatValidationErrors joins the field errors in err into one readable
// error. Other errors are returned unchanged.
func formatValidationErrors(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fe.Namespace()+" "+hintFor(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func hintFor(fe validator.FieldError) string {
	if h, ok := builtinHints[fe.Tag()]; ok {
		if strings.Contains(h, "%") {
			return fmt.Sprintf(h, fe.Param())
		}
		return h
	}
	for _, r := range customRules {
		if r.tag == fe.Tag() {
			return r.hint
		}
	}
	return "failed validation: " + fe.Tag()
}
