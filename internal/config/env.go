// Package config loads binary options from flags, the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnv reads path into the process environment. A missing file is not an
// error; variables already set take precedence.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

// Env reads option values from variables named prefix + "_" + NAME.
type Env struct {
	prefix string
}

// NewEnv returns an Env for variables starting with prefix.
func NewEnv(prefix string) Env {
	return Env{prefix: prefix}
}

// LoadFile loads the .env file named by prefix + "_ENV", or ".env" when
// that variable is unset.
func (e Env) LoadFile() error {
	path, ok := os.LookupEnv(e.prefix + "_ENV")
	if !ok || path == "" {
		path = ".env"
	}

	if err := LoadEnv(path); err != nil {
		return fmt.Errorf("load %s:\n%w", path, err)
	}

	return nil
}

func (e Env) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(e.prefix + "_" + name)
	if !ok || v == "" {
		return "", false
	}

	return v, true
}

// String returns the variable or def.
func (e Env) String(name, def string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}

	return def
}

// Int returns the variable parsed as an int, or def when unset or invalid.
func (e Env) Int(name string, def int) int {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}

	return n
}

// Duration returns the variable parsed with time.ParseDuration, or def.
func (e Env) Duration(name string, def time.Duration) time.Duration {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}

	return d
}

// List returns the comma-separated variable, or nil.
func (e Env) List(name string) []string {
	v, ok := e.lookup(name)
	if !ok {
		return nil
	}

	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}

	return out
}

// List is a repeatable string flag. Values set from the environment are
// replaced by the first occurrence on the command line.
type List struct {
	Values   []string
	explicit bool
}

func (l *List) String() string {
	return strings.Join(l.Values, ",")
}

// Set appends a value.
func (l *List) Set(v string) error {
	if !l.explicit {
		l.Values = nil
		l.explicit = true
	}

	l.Values = append(l.Values, v)

	return nil
}
