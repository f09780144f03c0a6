// Package platform holds the reference Publisher adapters and the factory
// table that builds them from the platforms section of the config.
package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"crosspost/internal/config"
	"crosspost/internal/progress"
	"crosspost/internal/publish"
	logx "crosspost/pkg/logx"
)

// Factory builds one adapter from its raw config block.
type Factory func(id string, raw json.RawMessage, log logx.Logger) (publish.Publisher, error)

var factories = map[string]Factory{
	"dryrun":   newDryRun,
	"webhook":  newWebhook,
	"email":    newEmail,
	"telegram": newTelegram,
}

// Kinds lists the adapter kinds that can appear in platforms.<id>.kind.
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build turns platform definitions into the coordinator's lookup table.
// Disabled entries are skipped. All definition errors are reported together.
func Build(defs map[string]config.PlatformConfigRaw, log logx.Logger) (map[string]publish.Platform, error) {
	out := make(map[string]publish.Platform, len(defs))
	var errs []error
	for id, def := range defs {
		if !def.Enabled {
			continue
		}
		kind := strings.ToLower(strings.TrimSpace(def.Kind))
		f, ok := factories[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("platforms.%s: unknown kind %q", id, def.Kind))
			continue
		}
		timeout, err := config.ParseDurationField("platforms."+id+".timeout", def.Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pub, err := f(id, def.Config, log.With(logx.String("platform", id), logx.String("kind", kind)))
		if err != nil {
			errs = append(errs, fmt.Errorf("platforms.%s: %w", id, err))
			continue
		}
		p := publish.Platform{ID: id, Publisher: pub}
		publish.WithTimeout(timeout)(&p)
		publish.WithRate(def.RatePerSec)(&p)
		out[id] = p
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

// Register builds the definitions and installs them in one swap.
func Register(table *publish.Platforms, defs map[string]config.PlatformConfigRaw, log logx.Logger) error {
	built, err := Build(defs, log)
	if err != nil {
		return err
	}
	table.Replace(built)
	return nil
}

// classified builds a *publish.Error for code with the code's default policy.
func classified(code publish.Code, format string, args ...any) *publish.Error {
	return &publish.Error{Code: code, Retryable: code.Retryable(), Message: fmt.Sprintf(format, args...)}
}

// fail reports err on step and returns the classified error to the coordinator.
func fail(t *progress.Tracker, step string, err error) error {
	e := publish.Classify(err)
	t.Failed(step, e.Detail(), string(e.Code), e.Retryable)
	return e
}
