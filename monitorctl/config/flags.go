// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/objsync/monitorctl/flag"
	"gvisor.dev/objsync/pkg/monitor"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := monitor.DefaultOptions()

	// Logging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default), json, json-k8s, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control the lock protocol.
	flagSet.Var(inflationPolicyPtr(def.Policy), "inflation-policy", "how contended light locks are inflated: suspend (suspends the owner) or wait (waits for the owner to release).")
	flagSet.Int("spin-retries", def.MaxTryLockRetry, "number of retries of a contended light lock before inflation.")
	flagSet.Int("yield-after", def.YieldAfter, "retry from which spinning yields the processor.")
	flagSet.Duration("suspend-timeout", def.SuspendTimeout, "time to wait for a light lock owner to reach a safepoint. 0 waits forever.")
	flagSet.Duration("inflation-wait", def.InflationWait, "maximum backoff between retries of the wait inflation policy.")
	flagSet.Uint("max-monitors", 0, "capacity of the monitor table. 0 means the largest monitor id a lock word can hold.")
}

// flagFields calls fn for each field of c bound to a flag, with the field
// and the flag name. It stops at the first error.
func (c *Config) flagFields(fn func(field reflect.Value, name string) error) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if err := fn(obj.Field(i), name); err != nil {
			return err
		}
	}
	return nil
}

// lookup returns the flag called name. Every tagged field must have a flag.
func lookup(flagSet *flag.FlagSet, name string) *flag.Flag {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.flagFields(func(field reflect.Value, name string) error {
		field.Set(reflect.ValueOf(flag.Get(lookup(flagSet, name).Value)))
		return nil
	})
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	var rv []string
	c.flagFields(func(field reflect.Value, name string) error {
		if val := getVal(field); val != lookup(flagSet, name).DefValue {
			rv = append(rv, fmt.Sprintf("--%s=%s", name, val))
		}
		return nil
	})
	return rv
}

// errFlagSet stops the field walk of Override once the flag was found.
var errFlagSet = errors.New("flag set")

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	err := c.flagFields(func(field reflect.Value, fieldName string) error {
		if fieldName != name {
			return nil
		}
		fl := lookup(flagSet, name)
		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		field.Set(reflect.ValueOf(flag.Get(fl.Value)))
		return errFlagSet
	})
	switch {
	case errors.Is(err, errFlagSet):
		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	case err != nil:
		return err
	default:
		return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
	}
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
